package actions

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalog is the on-disk description of the actions offered to the engine.
type Catalog struct {
	Actions []Definition `yaml:"actions"`
}

func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read action catalog: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (Catalog, error) {
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return Catalog{}, fmt.Errorf("parse action catalog: %w", err)
	}
	if err := cat.Validate(); err != nil {
		return Catalog{}, err
	}
	return cat, nil
}

func (c Catalog) Validate() error {
	if len(c.Actions) == 0 {
		return fmt.Errorf("action catalog is empty")
	}
	seen := make(map[string]struct{}, len(c.Actions))
	for i, def := range c.Actions {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return fmt.Errorf("actions[%d].name must be non-empty", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("actions[%d]: duplicate action %q", i, name)
		}
		seen[name] = struct{}{}

		switch def.Kind {
		case KindResearch, KindWebhook:
		default:
			return fmt.Errorf("actions[%d].kind must be one of %q or %q", i, KindResearch, KindWebhook)
		}
		switch strings.ToLower(strings.TrimSpace(def.Risk)) {
		case RiskLow, RiskHigh:
		default:
			return fmt.Errorf("actions[%d].risk must be %q or %q", i, RiskLow, RiskHigh)
		}
		if ep := strings.TrimSpace(def.Endpoint); ep != "" {
			u, err := url.Parse(ep)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return fmt.Errorf("actions[%d].endpoint must be an absolute http(s) url", i)
			}
		}
	}
	return nil
}

// DefaultCatalog is used when no catalog file is configured. The webhook
// actions have no endpoint and fail until one is set in a catalog file.
func DefaultCatalog() Catalog {
	return Catalog{Actions: []Definition{
		{
			Name:        "web_research",
			Description: "Search the web and return a short list of relevant results.",
			Kind:        KindResearch,
			Risk:        RiskLow,
			Parameters: objectSchema(map[string]any{
				"query":       map[string]any{"type": "string", "description": "What to search for."},
				"max_results": map[string]any{"type": "integer", "minimum": 1, "maximum": 10},
			}, "query"),
		},
		{
			Name:        "send_sms",
			Description: "Send a text message to a phone number on the caller's behalf.",
			Kind:        KindWebhook,
			Risk:        RiskHigh,
			Reasons:     []string{"sends a message to a third party"},
			Parameters: objectSchema(map[string]any{
				"to":   map[string]any{"type": "string", "description": "Recipient phone number in E.164 format."},
				"body": map[string]any{"type": "string"},
			}, "to", "body"),
		},
		{
			Name:        "send_email",
			Description: "Send an email on the caller's behalf.",
			Kind:        KindWebhook,
			Risk:        RiskHigh,
			Reasons:     []string{"sends a message to a third party"},
			Parameters: objectSchema(map[string]any{
				"to":      map[string]any{"type": "string"},
				"subject": map[string]any{"type": "string"},
				"body":    map[string]any{"type": "string"},
			}, "to", "subject", "body"),
		},
		{
			Name:        "place_call",
			Description: "Place an outbound phone call.",
			Kind:        KindWebhook,
			Risk:        RiskHigh,
			Reasons:     []string{"contacts a third party by phone"},
			Parameters: objectSchema(map[string]any{
				"to":      map[string]any{"type": "string"},
				"purpose": map[string]any{"type": "string"},
			}, "to"),
		},
		{
			Name:        "create_calendar_event",
			Description: "Create an event on the owner's calendar.",
			Kind:        KindWebhook,
			Risk:        RiskHigh,
			Reasons:     []string{"changes calendar state"},
			Parameters: objectSchema(map[string]any{
				"title":     map[string]any{"type": "string"},
				"start":     map[string]any{"type": "string", "description": "RFC 3339 start time."},
				"end":       map[string]any{"type": "string", "description": "RFC 3339 end time."},
				"attendees": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			}, "title", "start"),
		},
	}}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	out := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

type BuildDeps struct {
	Research   Searcher
	HTTPClient *http.Client
	Getenv     func(string) string
}

// Build turns a catalog into a Registry, binding each definition to a handler
// of its kind.
func Build(cat Catalog, deps BuildDeps) (*Registry, error) {
	if err := cat.Validate(); err != nil {
		return nil, err
	}
	getenv := deps.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	reg := NewRegistry()
	for _, def := range cat.Actions {
		def.Risk = strings.ToLower(strings.TrimSpace(def.Risk))
		var h Handler
		switch def.Kind {
		case KindResearch:
			h = &ResearchHandler{Searcher: deps.Research}
		case KindWebhook:
			token := ""
			if env := strings.TrimSpace(def.TokenEnv); env != "" {
				token = getenv(env)
			}
			h = &WebhookHandler{
				Endpoint:   strings.TrimSpace(def.Endpoint),
				Token:      token,
				HTTPClient: deps.HTTPClient,
			}
		}
		if err := reg.Register(def, h); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
