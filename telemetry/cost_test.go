package telemetry

import "testing"

func TestCostCalculator_KnownModel(t *testing.T) {
	c := NewCostCalculator(map[string]ModelPricing{
		"llama3.1": {InputPerMillion: 1.0, OutputPerMillion: 2.0},
	})

	got := c.Calculate("llama3.1", 1_000_000, 500_000)
	want := 1.0 + 1.0
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCostCalculator_UnknownModelIsZero(t *testing.T) {
	c := NewCostCalculator(nil)

	got := c.Calculate("unknown-model", 1000, 1000)
	if got != 0 {
		t.Errorf("got %v, want 0", got)
	}
}

func TestCostCalculator_OverridesMergeWithDefaults(t *testing.T) {
	c := NewCostCalculator(map[string]ModelPricing{
		"custom": {InputPerMillion: 5, OutputPerMillion: 10},
	})

	if got := c.Calculate("custom", 1_000_000, 0); got != 5 {
		t.Errorf("got %v, want 5", got)
	}
	// Default entries survive alongside overrides.
	if got := c.Calculate("llama3.1", 1_000_000, 0); got != 0 {
		t.Errorf("got %v, want 0 (default pricing)", got)
	}
}
