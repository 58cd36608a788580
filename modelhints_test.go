package colony

import "testing"

func TestModelMemoryHintMBKnownModel(t *testing.T) {
	if got := ModelMemoryHintMB("llama3.1"); got != 4500 {
		t.Errorf("got %d, want 4500", got)
	}
}

func TestModelMemoryHintMBUnknownModelFallsBackToDefault(t *testing.T) {
	if got := ModelMemoryHintMB("some-unreleased-model"); got != defaultModelMemoryHintMB {
		t.Errorf("got %d, want default %d", got, defaultModelMemoryHintMB)
	}
}

func TestMaxWorkersForMemory(t *testing.T) {
	// floor((5000 - 1000) * 0.85 / 4000) == 0, per the GPU-veto scenario.
	if got := MaxWorkersForMemory(5000, 1000, 0.15, 4000); got != 0 {
		t.Errorf("got %d, want 0", got)
	}
	if got := MaxWorkersForMemory(20000, 1000, 0.1, 4500); got != 3 {
		t.Errorf("got %d, want 3", got)
	}
}

func TestMaxWorkersForMemoryHandlesInsufficientBuffer(t *testing.T) {
	if got := MaxWorkersForMemory(500, 1000, 0.15, 4000); got != 0 {
		t.Errorf("got %d, want 0 when buffer exceeds free memory", got)
	}
}
