// Package yaml loads scenario definitions from YAML files.
package yaml

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"riskengine/core/function"
	"riskengine/core/scenario"
	"riskengine/internal/errors"
)

type file struct {
	Scenarios []scenarioDoc `yaml:"scenarios"`
}

type scenarioDoc struct {
	Name string `yaml:"name"`

	// Include merges earlier scenarios of the same file first, in order
	Include   []string                    `yaml:"include"`
	Arguments []function.ScenarioArgument `yaml:"arguments"`
}

// Set is the scenarios of one file by name
type Set struct {
	scenarios map[string]*scenario.Definition
}

// Load reads a scenario file
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.TypeInput, "read scenarios", err)
	}
	return Parse(data)
}

// Parse decodes scenario definitions. Unknown fields are rejected.
func Parse(data []byte) (*Set, error) {
	var f file
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, errors.Wrap(errors.TypeInput, "parse scenarios", err)
	}

	set := &Set{scenarios: make(map[string]*scenario.Definition)}
	for _, doc := range f.Scenarios {
		if _, dup := set.scenarios[doc.Name]; dup {
			return nil, errors.Input("duplicate scenario " + doc.Name)
		}
		def := scenario.New(doc.Name)
		for _, arg := range doc.Arguments {
			def.Add(arg)
		}
		for i := len(doc.Include) - 1; i >= 0; i-- {
			base, ok := set.scenarios[doc.Include[i]]
			if !ok {
				return nil, errors.Input(fmt.Sprintf("scenario %s includes unknown scenario %s", doc.Name, doc.Include[i]))
			}
			def = scenario.Merge(base, def)
		}
		def.Name = doc.Name
		if err := def.Validate(); err != nil {
			return nil, errors.Wrap(errors.TypeInput, "scenario "+doc.Name, err)
		}
		set.scenarios[doc.Name] = def
	}
	return set, nil
}

// Get returns a scenario by name
func (s *Set) Get(name string) (*scenario.Definition, error) {
	def, ok := s.scenarios[name]
	if !ok {
		return nil, errors.NotFound("scenario", name)
	}
	return def, nil
}

// Names returns the scenario names, sorted
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.scenarios))
	for name := range s.scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of scenarios
func (s *Set) Len() int { return len(s.scenarios) }
