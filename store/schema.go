package store

import (
	"reflect"

	"github.com/invopop/jsonschema"
)

// TypeToSchema reflects t into a JSON schema with its fields inlined at the
// top level. Pointer types are dereferenced.
func TypeToSchema(t reflect.Type) *jsonschema.Schema {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	reflector := jsonschema.Reflector{ExpandedStruct: true}
	return reflector.ReflectFromType(t)
}
