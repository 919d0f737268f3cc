package config

import (
	"encoding/json"
	"reflect"
	"time"

	"github.com/invopop/jsonschema"
)

var durationType = reflect.TypeOf(time.Duration(0))

// GenerateSchema returns the JSON schema of the configuration file, keyed
// by the YAML field names.
func GenerateSchema() ([]byte, error) {
	r := &jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		ExpandedStruct:             true,
		FieldNameTag:               "yaml",
		RequiredFromJSONSchemaTags: true,
		// Durations are written as strings such as "250ms".
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			if t == durationType {
				return &jsonschema.Schema{Type: "string", Pattern: `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`}
			}
			return nil
		},
	}

	schema := r.Reflect(&Config{})
	schema.Title = "strand configuration"
	schema.Description = "Configuration for the strand stream sync client."
	schema.Version = "http://json-schema.org/draft-07/schema#"

	return json.MarshalIndent(schema, "", "  ")
}
