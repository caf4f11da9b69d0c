// Package risk maps action names to a risk level.
package risk

import (
	"fmt"
	"strings"

	"github.com/vango-go/vai-bridge/pkg/gateway/actions"
)

type Level string

const (
	Low  Level = "low"
	High Level = "high"
)

func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(Low):
		return Low, nil
	case string(High):
		return High, nil
	default:
		return "", fmt.Errorf("unknown risk level %q", s)
	}
}

type rule struct {
	level   Level
	reasons []string
}

// Policy classifies actions by the risk recorded in the action catalog.
// Anything the catalog does not list is high risk.
type Policy struct {
	rules map[string]rule
}

func NewPolicy(defs []actions.Definition) (*Policy, error) {
	p := &Policy{rules: make(map[string]rule, len(defs))}
	for _, def := range defs {
		level, err := ParseLevel(def.Risk)
		if err != nil {
			return nil, fmt.Errorf("action %q: %w", def.Name, err)
		}
		reasons := append([]string(nil), def.Reasons...)
		if level == High && len(reasons) == 0 {
			reasons = []string{"marked high risk in the action catalog"}
		}
		p.rules[def.Name] = rule{level: level, reasons: reasons}
	}
	return p, nil
}

func (p *Policy) Classify(name string) (Level, []string) {
	if p != nil {
		if r, ok := p.rules[name]; ok {
			return r.level, append([]string(nil), r.reasons...)
		}
	}
	return High, []string{fmt.Sprintf("action %q is not in the catalog", name)}
}
