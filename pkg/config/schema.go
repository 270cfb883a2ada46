package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/invopop/jsonschema"
)

// Schema returns the JSON Schema of the configuration file, used by
// 'relay config schema' so editors can validate config.yaml.
func Schema() ([]byte, error) {
	r := &jsonschema.Reflector{
		// Property names must match the yaml/mapstructure keys the
		// loader actually reads, not the Go field names.
		KeyNamer:                   mapstructureKeyNamer(),
		RequiredFromJSONSchemaTags: true,
	}
	schema := r.Reflect(&Config{})
	schema.Title = "token.place relay configuration"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}

// mapstructureKeyNamer builds a field-name to mapstructure-key lookup
// by walking the Config type tree. Field names are consistent across
// the config structs, so a flat map is sufficient.
func mapstructureKeyNamer() func(string) string {
	keys := make(map[string]string)
	seen := make(map[reflect.Type]bool)

	var walk func(t reflect.Type)
	walk = func(t reflect.Type) {
		for t.Kind() == reflect.Ptr || t.Kind() == reflect.Slice {
			t = t.Elem()
		}
		if t.Kind() != reflect.Struct || seen[t] {
			return
		}
		seen[t] = true
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if tag, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ","); tag != "" && tag != "-" {
				keys[f.Name] = tag
			}
			walk(f.Type)
		}
	}
	walk(reflect.TypeOf(Config{}))

	return func(name string) string {
		if k, ok := keys[name]; ok {
			return k
		}
		return name
	}
}
