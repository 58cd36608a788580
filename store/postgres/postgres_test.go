package postgres

import (
	"testing"

	"github.com/nevindra/colony"
)

// These cover the pure marshal/unmarshal helpers only. Exercising Store
// itself requires a live PostgreSQL instance with pgxpool.Pool wiring,
// which is provided by the operator at deploy time, not by this suite.

func TestNullableInt64(t *testing.T) {
	if got := nullableInt64(0); got != nil {
		t.Errorf("got %v, want nil for zero value", got)
	}
	if got := nullableInt64(42); got == nil || *got != 42 {
		t.Errorf("got %v, want pointer to 42", got)
	}
}

func TestMarshalUnmarshalSessionRoundTrip(t *testing.T) {
	records := []*colony.SubtaskRecord{
		{ID: "t1", Text: "first"},
		{ID: "t2", Text: "second", DependsOn: []string{"t1"}},
	}
	graph, _ := colony.NewSubtaskGraph(records)
	sess := colony.Session{
		ID:     "s1",
		Agents: []colony.AgentID{"queen", "worker-0"},
		Graph:  graph,
	}

	agentsJSON, graphJSON, err := marshalSession(sess)
	if err != nil {
		t.Fatalf("marshalSession: %v", err)
	}

	var out colony.Session
	if err := unmarshalSession(&out, agentsJSON, graphJSON); err != nil {
		t.Fatalf("unmarshalSession: %v", err)
	}
	if len(out.Agents) != 2 || out.Agents[0] != "queen" {
		t.Errorf("got agents %+v", out.Agents)
	}
	if out.Graph == nil {
		t.Fatal("expected graph to round-trip")
	}
	t1, ok := out.Graph.Get("t1")
	if !ok || t1.State != colony.SubtaskReady {
		t.Errorf("got t1 %+v, want state ready", t1)
	}
}

func TestUnmarshalSessionHandlesEmptyPayloads(t *testing.T) {
	var out colony.Session
	if err := unmarshalSession(&out, nil, nil); err != nil {
		t.Fatalf("unmarshalSession: %v", err)
	}
	if out.Agents != nil || out.Graph != nil {
		t.Errorf("got %+v, want zero value session", out)
	}
}
