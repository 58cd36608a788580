package colony

import (
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// roleKeywords maps each role to the keyword bucket that identifies it.
// This is the data half of the Role Assigner: the table drives matching,
// the code below only counts and breaks ties.
var roleKeywords = map[Role][]string{
	RoleDeveloper: {
		"implement", "code", "function", "bug", "refactor", "api",
		"deploy", "test", "compile", "repository", "pull request",
	},
	RoleITArchitect: {
		"architecture", "infrastructure", "scal", "deployment", "topology",
		"cluster", "network", "provision", "kubernetes", "terraform",
	},
	RoleDataScientist: {
		"data", "model", "dataset", "statistic", "regression", "predict",
		"feature", "train", "metric", "dataframe",
	},
	RoleAnalyst: {
		"report", "analy", "summary", "trend", "insight", "chart",
		"forecast", "business", "stakeholder",
	},
}

// rolePriority breaks ties between roles with equal keyword-match scores.
var rolePriority = []Role{RoleDeveloper, RoleITArchitect, RoleDataScientist, RoleAnalyst, RoleGeneric}

var caseFolder = cases.Lower(language.Und)

// RoleOf scans text for keyword buckets and returns the highest-scoring
// role. Ties break by rolePriority. Deterministic for a fixed table.
func RoleOf(text string) Role {
	folded := caseFolder.String(text)

	best := RoleGeneric
	bestScore := 0
	for _, role := range rolePriority[:len(rolePriority)-1] {
		score := countMatches(folded, roleKeywords[role])
		if score > bestScore {
			bestScore = score
			best = role
		}
	}
	return best
}

func countMatches(folded string, keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if containsFold(folded, kw) {
			n++
		}
	}
	return n
}

// containsFold checks substring containment after both sides have already
// been passed through caseFolder, so language.Und is sufficient here.
func containsFold(haystack, needle string) bool {
	needle = caseFolder.String(needle)
	return indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	if len(needle) == 0 {
		return 0
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
