// Package render turns message templates into per-user text.
//
// Templates use text/template syntax over the variables of an execution
// context:
//
//	Hello {{.user.firstname}}, your team {{index .teams 0}} is under attack.
package render

import (
	"fmt"
	"strings"
	"sync"
	"text/template"

	"github.com/zero-day-ai/injector/execution"
)

// Renderer renders templates, caching each parsed template by its source.
type Renderer struct {
	mu    sync.RWMutex
	cache map[string]*template.Template
}

// New creates a Renderer.
func New() *Renderer {
	return &Renderer{cache: make(map[string]*template.Template)}
}

// Render executes src with the variables of ec. Missing keys are an error.
func (r *Renderer) Render(src string, ec execution.ExecutionContext) (string, error) {
	if !strings.Contains(src, "{{") {
		return src, nil
	}

	tpl, err := r.parse(src)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	if err := tpl.Execute(&b, ec.Vars()); err != nil {
		return "", fmt.Errorf("failed to render template: %w", err)
	}
	return b.String(), nil
}

func (r *Renderer) parse(src string) (*template.Template, error) {
	r.mu.RLock()
	tpl, ok := r.cache[src]
	r.mu.RUnlock()
	if ok {
		return tpl, nil
	}

	tpl, err := template.New("message").Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}

	r.mu.Lock()
	r.cache[src] = tpl
	r.mu.Unlock()
	return tpl, nil
}
