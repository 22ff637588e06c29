package router

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileBinding is bindings.yaml's on-disk shape: one entry per routing
// rule, using the same field names operators already see in Binding but
// as plain strings/scalars yaml can decode without custom tags.
type fileBinding struct {
	Priority    int    `yaml:"priority"`
	Kind        string `yaml:"kind"`        // "queue" or "client-set"
	Target      string `yaml:"target"`
	FirstOnly   bool   `yaml:"first_only"`
	AutoCreate  bool   `yaml:"auto_create"`
	Interaction string `yaml:"interaction"` // "none", "response", "acknowledge"
}

type bindingsFile struct {
	Bindings []fileBinding `yaml:"bindings"`
}

// LoadBindingsFile reads a bindings.yaml binding-table definition and
// registers every entry on r, in file order. It does not clear any
// bindings already registered; call it once at startup before traffic
// starts flowing, per SPEC_FULL's "binding-table definition file loaded
// at startup" wiring.
func LoadBindingsFile(r *Router, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("router: reading bindings file %q: %w", path, err)
	}

	var parsed bindingsFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("router: parsing bindings file %q: %w", path, err)
	}

	for i, fb := range parsed.Bindings {
		b, err := fb.toBinding()
		if err != nil {
			return fmt.Errorf("router: bindings file %q entry %d: %w", path, i, err)
		}
		r.Bind(b)
	}
	return nil
}

func (fb fileBinding) toBinding() (*Binding, error) {
	if fb.Target == "" {
		return nil, fmt.Errorf("binding target must not be empty")
	}

	kind, err := parseTargetKind(fb.Kind)
	if err != nil {
		return nil, err
	}
	interaction, err := parseInteraction(fb.Interaction)
	if err != nil {
		return nil, err
	}

	return &Binding{
		Priority:    fb.Priority,
		Kind:        kind,
		Target:      fb.Target,
		FirstOnly:   fb.FirstOnly,
		AutoCreate:  fb.AutoCreate,
		Interaction: interaction,
	}, nil
}

func parseTargetKind(s string) (TargetKind, error) { return ParseTargetKind(s) }

func parseInteraction(s string) (Interaction, error) { return ParseInteraction(s) }

// ParseTargetKind parses bindings.yaml's / the admin CLI's "queue" /
// "client-set" spelling of a binding's TargetKind.
func ParseTargetKind(s string) (TargetKind, error) {
	switch s {
	case "", "queue":
		return TargetQueue, nil
	case "client-set":
		return TargetClientSet, nil
	default:
		return 0, fmt.Errorf("unknown binding kind %q", s)
	}
}

// ParseInteraction parses bindings.yaml's / the admin CLI's "none" /
// "response" / "acknowledge" spelling of a binding's Interaction.
func ParseInteraction(s string) (Interaction, error) {
	switch s {
	case "", "none":
		return InteractionNone, nil
	case "response":
		return InteractionResponse, nil
	case "acknowledge":
		return InteractionAcknowledge, nil
	default:
		return 0, fmt.Errorf("unknown interaction %q", s)
	}
}
