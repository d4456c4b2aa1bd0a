package lint

import (
	"encoding/json"
	"fmt"
	"os"
)

// ParamSpec describes one parameter of a filter/test/function entry in a
// Schema, used by WrongArgumentCount/UnknownKwarg/MissingRequiredArgument.
type ParamSpec struct {
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	Required bool   `json:"required"`
}

// Entry describes one known filter, test, or global function.
type Entry struct {
	Name       string      `json:"name"`
	Params     []ParamSpec `json:"params"`
	Deprecated string      `json:"deprecated,omitempty"` // non-empty replacement hint enables DeprecatedUsage
}

// Schema is the cross-reference table loaded from .crinkle/schema.json (or
// --schema PATH) that makes the schema-aware lint rules active.
type Schema struct {
	Filters   map[string]Entry `json:"filters"`
	Tests     map[string]Entry `json:"tests"`
	Functions map[string]Entry `json:"functions"`
}

// LoadSchema reads and parses a schema file.
func LoadSchema(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schema %s: %w", path, err)
	}
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing schema %s: %w", path, err)
	}
	return &s, nil
}

func requiredParamCount(params []ParamSpec) int {
	n := 0
	for _, p := range params {
		if p.Required {
			n++
		}
	}
	return n
}
