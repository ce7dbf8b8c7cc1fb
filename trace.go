package environ

import (
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// Trace records how a key was resolved across a scope chain.
type Trace struct {
	Key      string       `json:"key" yaml:"key"`
	Scope    string       `json:"scope" yaml:"scope"`
	Resolved bool         `json:"resolved" yaml:"resolved"`
	Provider string       `json:"provider,omitempty" yaml:"provider,omitempty"`
	Layers   []Provenance `json:"layers" yaml:"layers"`
}

// Provenance details how one scope took part in a lookup. Found is set when
// the scope binds the key; Rule and Matched describe guarded bindings.
type Provenance struct {
	Scope   string `json:"scope" yaml:"scope"`
	Depth   int    `json:"depth" yaml:"depth"`
	Found   bool   `json:"found" yaml:"found"`
	Rule    string `json:"rule,omitempty" yaml:"rule,omitempty"`
	Matched bool   `json:"matched,omitempty" yaml:"matched,omitempty"`
	Err     string `json:"error,omitempty" yaml:"error,omitempty"`
}

// ToJSON serialises the trace for logging or transport.
func (t Trace) ToJSON() ([]byte, error) {
	type alias Trace
	return json.Marshal(alias(t))
}

// TraceFromJSON decodes a payload produced by ToJSON.
func TraceFromJSON(payload []byte) (Trace, error) {
	type alias Trace
	var trace alias
	if err := json.Unmarshal(payload, &trace); err != nil {
		return Trace{}, err
	}
	return Trace(trace), nil
}

// ToYAML renders the trace for diagnostics dumps.
func (t Trace) ToYAML() ([]byte, error) {
	type alias Trace
	return yaml.Marshal(alias(t))
}
