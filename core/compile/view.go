package compile

import (
	"fmt"

	"riskengine/core/value"
)

// RequestedOutput asks for a value on every portfolio target of a type
type RequestedOutput struct {
	ValueName   string
	TargetType  value.TargetType
	Constraints value.ValueProperties

	// Required outputs fail the compilation when they cannot be resolved
	Required bool
}

// SpecificRequirement asks for a value on one explicit target
type SpecificRequirement struct {
	Requirement value.ValueRequirement
	Required    bool
}

// CalculationConfiguration is a named set of requested outputs
type CalculationConfiguration struct {
	Name string

	// DefaultProperties constrain requirements that leave a property open
	DefaultProperties value.ValueProperties

	Outputs  []RequestedOutput
	Specific []SpecificRequirement
}

// ViewDefinition names the portfolio and calculation configurations of a view
type ViewDefinition struct {
	Name      string
	Portfolio string

	// Version changes whenever the definition changes
	Version string

	Configurations []CalculationConfiguration
}

// Configuration returns a configuration by name
func (v *ViewDefinition) Configuration(name string) (*CalculationConfiguration, bool) {
	for i := range v.Configurations {
		if v.Configurations[i].Name == name {
			return &v.Configurations[i], true
		}
	}
	return nil, false
}

// ConfigurationNames returns configuration names in definition order
func (v *ViewDefinition) ConfigurationNames() []string {
	names := make([]string, len(v.Configurations))
	for i, c := range v.Configurations {
		names[i] = c.Name
	}
	return names
}

// Validate checks the definition is well formed
func (v *ViewDefinition) Validate() error {
	if v.Name == "" {
		return fmt.Errorf("view name is required")
	}
	if len(v.Configurations) == 0 {
		return fmt.Errorf("view %s: at least one calculation configuration is required", v.Name)
	}
	seen := make(map[string]bool)
	for _, c := range v.Configurations {
		if c.Name == "" {
			return fmt.Errorf("view %s: configuration name is required", v.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("view %s: duplicate configuration %s", v.Name, c.Name)
		}
		seen[c.Name] = true
		for _, o := range c.Outputs {
			if o.ValueName == "" {
				return fmt.Errorf("view %s/%s: output value name is required", v.Name, c.Name)
			}
			if o.TargetType == "" || o.TargetType == value.TargetAny {
				return fmt.Errorf("view %s/%s: output %s needs a concrete target type", v.Name, c.Name, o.ValueName)
			}
		}
		for _, s := range c.Specific {
			if s.Requirement.Name == "" {
				return fmt.Errorf("view %s/%s: requirement value name is required", v.Name, c.Name)
			}
		}
	}
	return nil
}

// requested is one terminal requirement with its required flag
type requested struct {
	req      value.ValueRequirement
	required bool
}

// requirements expands a configuration over the portfolio targets, applying defaults
func (c *CalculationConfiguration) requirements(targets *Targets) []requested {
	var out []requested
	for _, o := range c.Outputs {
		for _, t := range targets.OfType(o.TargetType) {
			req := value.NewRequirement(o.ValueName, t.Ref(), o.Constraints).WithDefaults(c.DefaultProperties)
			out = append(out, requested{req: req, required: o.Required})
		}
	}
	for _, s := range c.Specific {
		out = append(out, requested{req: s.Requirement.WithDefaults(c.DefaultProperties), required: s.Required})
	}
	return out
}
