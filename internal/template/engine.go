// Package template resolves template ids and variables into
// channel-specific notification text.
package template

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	texttemplate "text/template"

	"go.uber.org/zap"
)

// ErrUnknownTemplate is returned when a send request names a template id
// that was never registered. This is invalid input, not a per-channel
// delivery failure.
var ErrUnknownTemplate = errors.New("unknown template id")

// Definition is the raw text of one registered template. Fields use
// Go template syntax over the supplied variable map.
type Definition struct {
	ID           string
	Title        string
	Message      string
	Subtitle     string
	EmailSubject string
}

// Rendered is the resolved output for one (template, variables) pair.
type Rendered struct {
	Title        string
	Message      string
	Subtitle     string
	EmailSubject string
}

type compiled struct {
	title        *texttemplate.Template
	message      *texttemplate.Template
	subtitle     *texttemplate.Template
	emailSubject *texttemplate.Template
}

// Engine holds the registered templates. Registration happens at startup;
// rendering is concurrent-safe.
type Engine struct {
	mu        sync.RWMutex
	templates map[string]*compiled
	logger    *zap.Logger
}

// NewEngine creates an engine pre-loaded with the platform's built-in
// templates.
func NewEngine(logger *zap.Logger) (*Engine, error) {
	e := &Engine{
		templates: make(map[string]*compiled),
		logger:    logger,
	}
	for _, def := range builtins {
		if err := e.Register(def); err != nil {
			return nil, fmt.Errorf("register builtin %s: %w", def.ID, err)
		}
	}
	return e, nil
}

// Register compiles and stores a template definition.
func (e *Engine) Register(def Definition) error {
	if def.ID == "" {
		return errors.New("template id is required")
	}
	if def.Title == "" && def.Message == "" {
		return fmt.Errorf("template %s: title or message is required", def.ID)
	}

	c := &compiled{}
	var err error
	if c.title, err = parseField(def.ID, "title", def.Title); err != nil {
		return err
	}
	if c.message, err = parseField(def.ID, "message", def.Message); err != nil {
		return err
	}
	if c.subtitle, err = parseField(def.ID, "subtitle", def.Subtitle); err != nil {
		return err
	}
	if c.emailSubject, err = parseField(def.ID, "email_subject", def.EmailSubject); err != nil {
		return err
	}

	e.mu.Lock()
	e.templates[def.ID] = c
	e.mu.Unlock()

	e.logger.Debug("template registered", zap.String("template_id", def.ID))
	return nil
}

// Render resolves a template id and variables into notification text.
func (e *Engine) Render(id string, vars map[string]string) (*Rendered, error) {
	e.mu.RLock()
	c, ok := e.templates[id]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("template %q: %w", id, ErrUnknownTemplate)
	}

	out := &Rendered{}
	var err error
	if out.Title, err = execField(c.title, vars); err != nil {
		return nil, fmt.Errorf("render %s title: %w", id, err)
	}
	if out.Message, err = execField(c.message, vars); err != nil {
		return nil, fmt.Errorf("render %s message: %w", id, err)
	}
	if out.Subtitle, err = execField(c.subtitle, vars); err != nil {
		return nil, fmt.Errorf("render %s subtitle: %w", id, err)
	}
	if out.EmailSubject, err = execField(c.emailSubject, vars); err != nil {
		return nil, fmt.Errorf("render %s email subject: %w", id, err)
	}
	return out, nil
}

// Has reports whether a template id is registered.
func (e *Engine) Has(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.templates[id]
	return ok
}

func parseField(id, name, text string) (*texttemplate.Template, error) {
	if text == "" {
		return nil, nil
	}
	t, err := texttemplate.New(id + ":" + name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("template %s: parse %s: %w", id, name, err)
	}
	return t, nil
}

func execField(t *texttemplate.Template, vars map[string]string) (string, error) {
	if t == nil {
		return "", nil
	}
	var sb strings.Builder
	if err := t.Execute(&sb, vars); err != nil {
		return "", err
	}
	return sb.String(), nil
}
