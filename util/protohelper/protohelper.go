// Package protohelper converts between Go values and the well-known protobuf
// types carried on the node-to-node wire.
package protohelper

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// MapToStruct converts a JSON-compatible map to a Struct. A nil map yields an
// empty Struct.
func MapToStruct(m map[string]any) (*structpb.Struct, error) {
	if m == nil {
		return &structpb.Struct{Fields: map[string]*structpb.Value{}}, nil
	}
	return structpb.NewStruct(m)
}

// StructToMap converts a Struct back to a plain map. A nil Struct yields nil.
func StructToMap(s *structpb.Struct) map[string]any {
	if s == nil {
		return nil
	}
	return s.AsMap()
}

// StringField returns the string field key of s. A missing field yields "".
func StringField(s *structpb.Struct, key string) (string, error) {
	if s == nil {
		return "", nil
	}
	v, ok := s.GetFields()[key]
	if !ok || v == nil {
		return "", nil
	}
	sv, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", fmt.Errorf("field %q is not a string", key)
	}
	return sv.StringValue, nil
}

// StringsToStruct builds a Struct whose fields are all strings.
func StringsToStruct(fields map[string]string) *structpb.Struct {
	s := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(fields))}
	for k, v := range fields {
		s.Fields[k] = structpb.NewStringValue(v)
	}
	return s
}
