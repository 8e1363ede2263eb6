package ensemble

import (
	"strings"
	"testing"
)

func TestPromptSetFillsVariables(t *testing.T) {
	ps := NewPromptSet(map[string]string{
		"paper/writer": "Write the {{.paper_type}} paper about {{.research_question}}.",
	})
	got, err := ps.GetPrompt("paper", "writer", map[string]any{
		"paper_type":        "rct",
		"research_question": "does X work",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "rct") || !strings.Contains(got, "does X work") {
		t.Fatalf("filled prompt = %q", got)
	}
}

func TestPromptSetMissingVariableIsFatal(t *testing.T) {
	ps := NewPromptSet(map[string]string{"p/n": "Hello {{.name}}"})
	_, err := ps.GetPrompt("p", "n", map[string]any{})
	if err == nil {
		t.Fatal("missing variable must fail")
	}
	if Classify(err).Kind != ErrKindValidation {
		t.Fatalf("kind = %q, want VALIDATION_ERROR", Classify(err).Kind)
	}
}

func TestPromptSetUnknownTemplate(t *testing.T) {
	ps := NewPromptSet(nil)
	_, err := ps.GetPrompt("p", "ghost", nil)
	if Classify(err).Kind != ErrKindValidation {
		t.Fatal("unknown template must be VALIDATION_ERROR")
	}
}
