package manifest

import (
	"fmt"
	"sort"
)

// Interface converts the value into plain Go containers
// (map[string]any, []any, scalars), losing field order.
// Used at the cluster boundary where unstructured objects are expected.
func (value Value) Interface() any {
	switch value.Kind() {
	case KindScalar:
		return value.Scalar()
	case KindSequence:
		items := make([]any, 0, len(value.Sequence()))
		for _, item := range value.Sequence() {
			items = append(items, item.Interface())
		}
		return items
	case KindMapping:
		fields := make(map[string]any, value.Mapping().Len())
		for _, key := range value.Mapping().Keys() {
			field, _ := value.Mapping().Get(key)
			fields[key] = field.Interface()
		}
		return fields
	}
	return nil
}

// FromInterface converts plain Go containers into a Value. Map keys are
// sorted so the conversion is deterministic.
func FromInterface(input any) (Value, error) {
	switch input := input.(type) {
	case nil, bool, int64, float64, string, int, int32, float32:
		return Scalar(input), nil
	case []any:
		items := make([]Value, 0, len(input))
		for _, item := range input {
			value, err := FromInterface(item)
			if err != nil {
				return Value{}, err
			}
			items = append(items, value)
		}
		return Sequence(items...), nil
	case map[string]any:
		keys := make([]string, 0, len(input))
		for key := range input {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		mapping := NewMapping()
		for _, key := range keys {
			value, err := FromInterface(input[key])
			if err != nil {
				return Value{}, err
			}
			mapping.Set(key, value)
		}
		return MappingValue(mapping), nil
	}
	return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedScalar, input)
}
