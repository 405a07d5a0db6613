// Copyright 2024 kharf
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MarshalJSON encodes the value with mapping keys in insertion order, so
// identical values yield byte-identical output.
func (value Value) MarshalJSON() ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := encodeJSON(buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (value *Value) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	decoded, err := decodeJSON(decoder)
	if err != nil {
		return err
	}
	*value = decoded
	return nil
}

func (doc Document) MarshalJSON() ([]byte, error) {
	return MappingValue(doc.fields).MarshalJSON()
}

func (doc *Document) UnmarshalJSON(data []byte) error {
	var value Value
	if err := value.UnmarshalJSON(data); err != nil {
		return err
	}
	if value.Kind() != KindMapping {
		return fmt.Errorf("%w: expected a mapping at document root", ErrMalformedDocument)
	}
	doc.fields = value.Mapping()
	return nil
}

func encodeJSON(buf *bytes.Buffer, value Value) error {
	switch value.Kind() {
	case KindScalar:
		scalar, err := json.Marshal(value.Scalar())
		if err != nil {
			return err
		}
		buf.Write(scalar)
	case KindSequence:
		buf.WriteByte('[')
		for i, item := range value.Sequence() {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeJSON(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindMapping:
		buf.WriteByte('{')
		for i, key := range value.Mapping().Keys() {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodedKey, err := json.Marshal(key)
			if err != nil {
				return err
			}
			buf.Write(encodedKey)
			buf.WriteByte(':')
			field, _ := value.Mapping().Get(key)
			if err := encodeJSON(buf, field); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	}
	return nil
}

func decodeJSON(decoder *json.Decoder) (Value, error) {
	token, err := decoder.Token()
	if err != nil {
		return Value{}, fmt.Errorf("%w: %w", ErrMalformedDocument, err)
	}
	return decodeJSONToken(decoder, token)
}

func decodeJSONToken(decoder *json.Decoder, token json.Token) (Value, error) {
	switch token := token.(type) {
	case json.Delim:
		switch token {
		case '{':
			mapping := NewMapping()
			for decoder.More() {
				keyToken, err := decoder.Token()
				if err != nil {
					return Value{}, fmt.Errorf("%w: %w", ErrMalformedDocument, err)
				}
				key, isString := keyToken.(string)
				if !isString {
					return Value{}, fmt.Errorf("%w: non-string object key", ErrMalformedDocument)
				}
				field, err := decodeJSON(decoder)
				if err != nil {
					return Value{}, err
				}
				mapping.Set(key, field)
			}
			// closing brace
			if _, err := decoder.Token(); err != nil {
				return Value{}, fmt.Errorf("%w: %w", ErrMalformedDocument, err)
			}
			return MappingValue(mapping), nil
		case '[':
			var items []Value
			for decoder.More() {
				item, err := decodeJSON(decoder)
				if err != nil {
					return Value{}, err
				}
				items = append(items, item)
			}
			if _, err := decoder.Token(); err != nil {
				return Value{}, fmt.Errorf("%w: %w", ErrMalformedDocument, err)
			}
			return Sequence(items...), nil
		}
		return Value{}, fmt.Errorf("%w: unexpected delimiter %q", ErrMalformedDocument, token)
	case json.Number:
		if integer, err := token.Int64(); err == nil {
			return Scalar(integer), nil
		}
		float, err := token.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: %w", ErrMalformedDocument, err)
		}
		return Scalar(float), nil
	case string:
		return Scalar(token), nil
	case bool:
		return Scalar(token), nil
	case nil:
		return Scalar(nil), nil
	}
	return Value{}, fmt.Errorf("%w: unexpected token %v", ErrMalformedDocument, token)
}
