// Package actions holds the callable actions the conversational engine may
// request during a call, along with the schemas advertised to it.
package actions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/vango-go/vai-bridge/pkg/gateway/principal"
)

var ErrUnknownAction = errors.New("unknown action")

type Kind string

const (
	KindResearch Kind = "research"
	KindWebhook  Kind = "webhook"
)

// Risk values accepted in a catalog.
const (
	RiskLow  = "low"
	RiskHigh = "high"
)

type Definition struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description"`
	Kind        Kind           `yaml:"kind" json:"kind"`
	Risk        string         `yaml:"risk" json:"risk"`
	Reasons     []string       `yaml:"reasons,omitempty" json:"reasons,omitempty"`
	Endpoint    string         `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	TokenEnv    string         `yaml:"token_env,omitempty" json:"-"`
	Parameters  map[string]any `yaml:"parameters" json:"parameters"`
}

// Call is one invocation of an action.
type Call struct {
	ID        string
	Name      string
	Arguments map[string]any
	Actor     principal.Actor
}

type Handler interface {
	Execute(ctx context.Context, call Call) (any, error)
}

type HandlerFunc func(ctx context.Context, call Call) (any, error)

func (f HandlerFunc) Execute(ctx context.Context, call Call) (any, error) { return f(ctx, call) }

type entry struct {
	def     Definition
	handler Handler
}

// Registry is immutable after construction and safe for concurrent reads.
type Registry struct {
	byName map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]entry)}
}

func (r *Registry) Register(def Definition, h Handler) error {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return fmt.Errorf("action name must be non-empty")
	}
	if h == nil {
		return fmt.Errorf("action %q has no handler", name)
	}
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("duplicate action %q", name)
	}
	def.Name = name
	if def.Parameters == nil {
		def.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	r.byName[name] = entry{def: def, handler: h}
	return nil
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	e, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return e.handler, true
}

func (r *Registry) Definition(name string) (Definition, bool) {
	if r == nil {
		return Definition{}, false
	}
	e, ok := r.byName[name]
	return e.def, ok
}

// Definitions returns every registered definition ordered by name.
func (r *Registry) Definitions() []Definition {
	if r == nil {
		return nil
	}
	out := make([]Definition, 0, len(r.byName))
	for _, name := range r.Names() {
		out = append(out, r.byName[name].def)
	}
	return out
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Execute(ctx context.Context, call Call) (any, error) {
	h, ok := r.Lookup(call.Name)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownAction, call.Name)
	}
	return h.Execute(ctx, call)
}
