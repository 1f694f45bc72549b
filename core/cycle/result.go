package cycle

import (
	"encoding/json"
	"time"

	"riskengine/core/resolve"
	"riskengine/core/value"
	"riskengine/internal/errors"
)

// Type distinguishes full cycles from delta cycles
type Type string

const (
	// TypeFull executes every node
	TypeFull Type = "full"
	// TypeDelta re-executes only nodes affected by changed market data
	TypeDelta Type = "delta"
)

// Info identifies a cycle
type Info struct {
	ProcessID     string    `json:"process_id"`
	CycleID       string    `json:"cycle_id"`
	Type          Type      `json:"type"`
	ValuationTime time.Time `json:"valuation_time"`
	SnapshotID    string    `json:"snapshot_id,omitempty"`
}

// ComputedResult is a requested output's value or the error that prevented it
type ComputedResult struct {
	Requirement   value.ValueRequirement
	Specification value.ValueSpecification
	Value         any
	Err           error
}

// MarshalJSON renders the result for listeners and the API
func (r ComputedResult) MarshalJSON() ([]byte, error) {
	out := struct {
		Requirement   string `json:"requirement,omitempty"`
		Specification string `json:"specification"`
		Value         any    `json:"value,omitempty"`
		Error         string `json:"error,omitempty"`
		ErrorType     string `json:"error_type,omitempty"`
	}{
		Specification: r.Specification.String(),
		Value:         r.Value,
	}
	if r.Requirement.Name != "" {
		out.Requirement = r.Requirement.String()
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
		out.ErrorType = string(errors.TypeOf(r.Err))
	}
	return json.Marshal(out)
}

// Stats counts node executions for one configuration
type Stats struct {
	Executed int `json:"executed"`
	Reused   int `json:"reused"`
	Failed   int `json:"failed"`
}

// ConfigurationResult holds the requested outputs of one configuration in
// request order, plus the requested outputs that could not be resolved
type ConfigurationResult struct {
	Name       string             `json:"name"`
	Values     []ComputedResult   `json:"values"`
	Unresolved []*resolve.Failure `json:"unresolved,omitempty"`
	Stats      Stats              `json:"stats"`
}

// Get returns the result for a specification
func (c *ConfigurationResult) Get(spec value.ValueSpecification) (ComputedResult, bool) {
	for _, r := range c.Values {
		if r.Specification.Equal(spec) {
			return r, true
		}
	}
	return ComputedResult{}, false
}

// Lookup returns the result for a requested requirement
func (c *ConfigurationResult) Lookup(req value.ValueRequirement) (ComputedResult, bool) {
	for _, r := range c.Values {
		if r.Requirement.Equal(req) {
			return r, true
		}
	}
	return ComputedResult{}, false
}

// ResultModel is the published outcome of a cycle. Configurations follow the
// view definition order.
type ResultModel struct {
	Info
	CompilationID  string                `json:"compilation_id"`
	Start          time.Time             `json:"start"`
	Duration       time.Duration         `json:"duration"`
	Configurations []ConfigurationResult `json:"configurations"`
}

// Configuration returns a configuration's results
func (m *ResultModel) Configuration(name string) (*ConfigurationResult, bool) {
	for i := range m.Configurations {
		if m.Configurations[i].Name == name {
			return &m.Configurations[i], true
		}
	}
	return nil, false
}

// Len returns the number of values across configurations
func (m *ResultModel) Len() int {
	n := 0
	for _, c := range m.Configurations {
		n += len(c.Values)
	}
	return n
}

// Delta returns a model holding only the values of cur that are new or
// changed relative to prev. A nil prev makes every value new.
func Delta(prev, cur *ResultModel) *ResultModel {
	d := &ResultModel{
		Info:          cur.Info,
		CompilationID: cur.CompilationID,
		Start:         cur.Start,
		Duration:      cur.Duration,
	}
	for _, c := range cur.Configurations {
		dc := ConfigurationResult{Name: c.Name, Stats: c.Stats}
		var before *ConfigurationResult
		if prev != nil {
			before, _ = prev.Configuration(c.Name)
		}
		for _, r := range c.Values {
			if before != nil {
				if old, ok := before.Get(r.Specification); ok && sameResult(old, r) {
					continue
				}
			}
			dc.Values = append(dc.Values, r)
		}
		d.Configurations = append(d.Configurations, dc)
	}
	return d
}

func sameResult(a, b ComputedResult) bool {
	if (a.Err == nil) != (b.Err == nil) {
		return false
	}
	if a.Err != nil {
		return a.Err.Error() == b.Err.Error()
	}
	return value.Equal(a.Value, b.Value)
}

// Fragment carries the outputs of one completed wave
type Fragment struct {
	Info
	Configuration string           `json:"configuration"`
	Wave          int              `json:"wave"`
	Values        []ComputedResult `json:"values"`
}
