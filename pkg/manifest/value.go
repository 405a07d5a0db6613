package manifest

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedScalar = errors.New("Unsupported scalar type")
)

// ValueKind discriminates the three shapes a manifest field can take.
type ValueKind int

const (
	KindScalar ValueKind = iota
	KindSequence
	KindMapping
)

func (kind ValueKind) String() string {
	switch kind {
	case KindSequence:
		return "sequence"
	case KindMapping:
		return "mapping"
	}
	return "scalar"
}

// Value is a tagged union over the shapes a declarative resource document is
// made of: a scalar (nil, bool, int64, float64 or string), a sequence of
// values or an ordered mapping of string keys to values.
// The zero Value is the nil scalar.
type Value struct {
	kind    ValueKind
	scalar  any
	seq     []Value
	mapping *Mapping
}

// Scalar constructs a scalar Value. Integer inputs are normalized to int64
// and float32 to float64, so structurally equal documents compare equal
// regardless of how they were produced.
func Scalar(scalar any) Value {
	switch s := scalar.(type) {
	case nil, bool, int64, float64, string:
	case int:
		scalar = int64(s)
	case int32:
		scalar = int64(s)
	case float32:
		scalar = float64(s)
	default:
		panic(fmt.Sprintf("%s: %T", ErrUnsupportedScalar, scalar))
	}
	return Value{kind: KindScalar, scalar: scalar}
}

// Sequence constructs a sequence Value.
func Sequence(items ...Value) Value {
	return Value{kind: KindSequence, seq: items}
}

// MappingValue wraps an ordered Mapping into a Value.
func MappingValue(mapping *Mapping) Value {
	return Value{kind: KindMapping, mapping: mapping}
}

func (value Value) Kind() ValueKind {
	return value.kind
}

// Scalar returns the underlying scalar. It is only meaningful for KindScalar.
func (value Value) Scalar() any {
	return value.scalar
}

// Sequence returns the underlying items. It is only meaningful for KindSequence.
func (value Value) Sequence() []Value {
	return value.seq
}

// Mapping returns the underlying ordered mapping. It is nil for other kinds.
func (value Value) Mapping() *Mapping {
	return value.mapping
}

// Equal reports structural equality. Mappings compare order-insensitively,
// sequences order-sensitively.
func (value Value) Equal(other Value) bool {
	if value.kind != other.kind {
		return false
	}
	switch value.kind {
	case KindScalar:
		return value.scalar == other.scalar
	case KindSequence:
		if len(value.seq) != len(other.seq) {
			return false
		}
		for i, item := range value.seq {
			if !item.Equal(other.seq[i]) {
				return false
			}
		}
		return true
	case KindMapping:
		if value.mapping.Len() != other.mapping.Len() {
			return false
		}
		for _, key := range value.mapping.Keys() {
			otherField, found := other.mapping.Get(key)
			if !found {
				return false
			}
			field, _ := value.mapping.Get(key)
			if !field.Equal(otherField) {
				return false
			}
		}
		return true
	}
	return false
}

// DeepCopy returns a Value sharing no mutable state with the receiver.
func (value Value) DeepCopy() Value {
	switch value.kind {
	case KindSequence:
		items := make([]Value, 0, len(value.seq))
		for _, item := range value.seq {
			items = append(items, item.DeepCopy())
		}
		return Sequence(items...)
	case KindMapping:
		return MappingValue(value.mapping.DeepCopy())
	}
	return value
}

// Mapping is an insertion-ordered string-keyed mapping of Values.
type Mapping struct {
	keys   []string
	fields map[string]Value
}

func NewMapping() *Mapping {
	return &Mapping{
		fields: make(map[string]Value),
	}
}

func (mapping *Mapping) Len() int {
	return len(mapping.keys)
}

// Keys returns the mapping keys in insertion order.
func (mapping *Mapping) Keys() []string {
	return mapping.keys
}

func (mapping *Mapping) Get(key string) (Value, bool) {
	value, found := mapping.fields[key]
	return value, found
}

// Set inserts or overwrites a field. Overwriting keeps the key's original
// position.
func (mapping *Mapping) Set(key string, value Value) *Mapping {
	if _, found := mapping.fields[key]; !found {
		mapping.keys = append(mapping.keys, key)
	}
	mapping.fields[key] = value
	return mapping
}

func (mapping *Mapping) Delete(key string) {
	if _, found := mapping.fields[key]; !found {
		return
	}
	delete(mapping.fields, key)
	for i, existing := range mapping.keys {
		if existing == key {
			mapping.keys = append(mapping.keys[:i], mapping.keys[i+1:]...)
			break
		}
	}
}

func (mapping *Mapping) DeepCopy() *Mapping {
	copied := NewMapping()
	for _, key := range mapping.keys {
		copied.Set(key, mapping.fields[key].DeepCopy())
	}
	return copied
}
