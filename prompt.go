package ensemble

import (
	"fmt"
	"strings"
	"sync"
	"text/template"
)

// PromptSet is an in-process PromptSource over a map of template strings
// keyed by "path/name". Templates use text/template syntax and fail on any
// unbound variable (missingkey=error), which surfaces as VALIDATION_ERROR
// per the collaborator contract. Parsed templates are cached; the set is
// safe for concurrent reads.
type PromptSet struct {
	raw map[string]string

	mu     sync.Mutex
	parsed map[string]*template.Template
}

// NewPromptSet creates a PromptSet from raw templates keyed by "path/name".
func NewPromptSet(raw map[string]string) *PromptSet {
	return &PromptSet{raw: raw, parsed: make(map[string]*template.Template)}
}

// GetPrompt implements PromptSource.
func (p *PromptSet) GetPrompt(path, name string, vars map[string]any) (string, error) {
	key := path + "/" + name
	tpl, err := p.lookup(key)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if err := tpl.Execute(&sb, vars); err != nil {
		return "", NewValidationError("prompt %s: %v", key, err)
	}
	return sb.String(), nil
}

func (p *PromptSet) lookup(key string) (*template.Template, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if tpl, ok := p.parsed[key]; ok {
		return tpl, nil
	}
	raw, ok := p.raw[key]
	if !ok {
		return nil, NewValidationError("prompt %s: not found", key)
	}
	tpl, err := template.New(key).Option("missingkey=error").Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("prompt %s: parse: %w", key, err)
	}
	p.parsed[key] = tpl
	return tpl, nil
}
