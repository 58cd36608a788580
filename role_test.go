package colony

import "testing"

func TestRoleOfPicksHighestScoringBucket(t *testing.T) {
	cases := []struct {
		text string
		want Role
	}{
		{"implement a bugfix in the deploy pipeline", RoleDeveloper},
		{"design the kubernetes cluster topology", RoleITArchitect},
		{"train a regression model on the dataset", RoleDataScientist},
		{"write a business trend report", RoleAnalyst},
		{"say hello", RoleGeneric},
	}
	for _, c := range cases {
		if got := RoleOf(c.text); got != c.want {
			t.Errorf("RoleOf(%q) = %q, want %q", c.text, got, c.want)
		}
	}
}

func TestRoleOfIsCaseInsensitive(t *testing.T) {
	if got := RoleOf("IMPLEMENT THE API"); got != RoleDeveloper {
		t.Errorf("got %q, want developer", got)
	}
}

func TestRoleOfTieBreaksByPriority(t *testing.T) {
	// "model" (data-scientist) and "api" (developer) each score once; developer
	// outranks data-scientist in rolePriority.
	if got := RoleOf("build an api around the model"); got != RoleDeveloper {
		t.Errorf("got %q, want developer on tie", got)
	}
}
