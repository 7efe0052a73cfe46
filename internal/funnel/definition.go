package funnel

import (
	"bytes"
	_ "embed"
	"io"
	"os"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

//go:embed funnels.yaml
var defaultFunnelsYAML []byte

// Step matches either a page path or a named action event. A step with
// neither can only be recorded through TrackStep.
type Step struct {
	ID    string `yaml:"id" json:"id"`
	Name  string `yaml:"name" json:"name"`
	Path  string `yaml:"path,omitempty" json:"path,omitempty"`
	Event string `yaml:"event,omitempty" json:"event,omitempty"`
}

type Definition struct {
	ID    string `yaml:"id" json:"id"`
	Name  string `yaml:"name" json:"name"`
	Steps []Step `yaml:"steps" json:"steps"`
}

func (d Definition) stepIndex(stepID string) int {
	for i, s := range d.Steps {
		if s.ID == stepID {
			return i
		}
	}
	return -1
}

func (d Definition) Validate() error {
	if d.ID == "" {
		return xerrors.New("funnel id cannot be empty")
	}
	if len(d.Steps) == 0 {
		return xerrors.Errorf("funnel %q has no steps", d.ID)
	}
	seen := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		if s.ID == "" {
			return xerrors.Errorf("funnel %q has a step without id", d.ID)
		}
		if seen[s.ID] {
			return xerrors.Errorf("funnel %q has duplicate step %q", d.ID, s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

type definitionsFile struct {
	Funnels []Definition `yaml:"funnels"`
}

// LoadDefinitions decodes and validates a YAML funnels document.
func LoadDefinitions(r io.Reader) ([]Definition, error) {
	var file definitionsFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, xerrors.Errorf("decode funnel definitions: %w", err)
	}
	for _, d := range file.Funnels {
		if err := d.Validate(); err != nil {
			return nil, err
		}
	}
	return file.Funnels, nil
}

func LoadDefinitionsFile(path string) ([]Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("open funnel definitions: %w", err)
	}
	defer f.Close()
	return LoadDefinitions(f)
}

// DefaultDefinitions returns the built-in funnels.
func DefaultDefinitions() []Definition {
	defs, err := LoadDefinitions(bytes.NewReader(defaultFunnelsYAML))
	if err != nil {
		panic("funnel: invalid embedded definitions: " + err.Error())
	}
	return defs
}
