package catalog

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// ManifestSchema generates the JSON Schema (Draft 2020-12) for plugin
// manifests. Plugin authors validate their manifest against it before
// submitting to the catalog.
func ManifestSchema() ([]byte, error) {
	reflector := jsonschema.Reflector{
		ExpandedStruct: true, // inline the struct instead of a $defs reference
	}
	schema := reflector.Reflect(&Manifest{})

	raw, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest schema: %w", err)
	}
	return raw, nil
}
