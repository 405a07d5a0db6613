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
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// DecodeDocuments reads a multi-document YAML stream and converts every
// non-empty document into a Document. Field order is preserved.
func DecodeDocuments(reader io.Reader) ([]Document, error) {
	decoder := yaml.NewDecoder(reader)
	var docs []Document
	for {
		var node yaml.Node
		err := decoder.Decode(&node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedDocument, err)
		}
		value, err := fromYAMLNode(&node)
		if err != nil {
			return nil, err
		}
		if value.Kind() == KindScalar && value.Scalar() == nil {
			continue
		}
		if value.Kind() != KindMapping {
			return nil, fmt.Errorf(
				"%w: expected a mapping at document root, got %s",
				ErrMalformedDocument,
				value.Kind(),
			)
		}
		doc := NewDocument(value.Mapping())
		if err := doc.Validate(); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// EncodeDocuments writes documents as a multi-document YAML stream.
func EncodeDocuments(writer io.Writer, docs []Document) error {
	encoder := yaml.NewEncoder(writer)
	encoder.SetIndent(2)
	defer encoder.Close()
	for _, doc := range docs {
		node, err := toYAMLNode(MappingValue(doc.Fields()))
		if err != nil {
			return err
		}
		if err := encoder.Encode(node); err != nil {
			return err
		}
	}
	return nil
}

// FromNode converts a decoded YAML node into a Value, preserving mapping
// key order.
func FromNode(node *yaml.Node) (Value, error) {
	return fromYAMLNode(node)
}

func fromYAMLNode(node *yaml.Node) (Value, error) {
	switch node.Kind {
	case yaml.DocumentNode:
		if len(node.Content) == 0 {
			return Scalar(nil), nil
		}
		return fromYAMLNode(node.Content[0])
	case yaml.AliasNode:
		return fromYAMLNode(node.Alias)
	case yaml.ScalarNode:
		return fromYAMLScalar(node)
	case yaml.SequenceNode:
		items := make([]Value, 0, len(node.Content))
		for _, item := range node.Content {
			value, err := fromYAMLNode(item)
			if err != nil {
				return Value{}, err
			}
			items = append(items, value)
		}
		return Sequence(items...), nil
	case yaml.MappingNode:
		mapping := NewMapping()
		for i := 0; i < len(node.Content); i += 2 {
			keyNode := node.Content[i]
			if keyNode.Kind != yaml.ScalarNode {
				return Value{}, fmt.Errorf(
					"%w: non-scalar mapping key at line %d",
					ErrMalformedDocument,
					keyNode.Line,
				)
			}
			value, err := fromYAMLNode(node.Content[i+1])
			if err != nil {
				return Value{}, err
			}
			mapping.Set(keyNode.Value, value)
		}
		return MappingValue(mapping), nil
	}
	return Value{}, fmt.Errorf("%w: unsupported node kind %d", ErrMalformedDocument, node.Kind)
}

func fromYAMLScalar(node *yaml.Node) (Value, error) {
	switch node.Tag {
	case "!!null":
		return Scalar(nil), nil
	case "!!bool":
		var b bool
		if err := node.Decode(&b); err != nil {
			return Value{}, fmt.Errorf("%w: %w", ErrMalformedDocument, err)
		}
		return Scalar(b), nil
	case "!!int":
		var i int64
		if err := node.Decode(&i); err != nil {
			return Value{}, fmt.Errorf("%w: %w", ErrMalformedDocument, err)
		}
		return Scalar(i), nil
	case "!!float":
		var f float64
		if err := node.Decode(&f); err != nil {
			return Value{}, fmt.Errorf("%w: %w", ErrMalformedDocument, err)
		}
		return Scalar(f), nil
	}
	return Scalar(node.Value), nil
}

func toYAMLNode(value Value) (*yaml.Node, error) {
	node := &yaml.Node{}
	switch value.Kind() {
	case KindScalar:
		if err := node.Encode(value.Scalar()); err != nil {
			return nil, err
		}
	case KindSequence:
		node.Kind = yaml.SequenceNode
		node.Tag = "!!seq"
		for _, item := range value.Sequence() {
			itemNode, err := toYAMLNode(item)
			if err != nil {
				return nil, err
			}
			node.Content = append(node.Content, itemNode)
		}
	case KindMapping:
		node.Kind = yaml.MappingNode
		node.Tag = "!!map"
		for _, key := range value.Mapping().Keys() {
			keyNode := &yaml.Node{}
			if err := keyNode.Encode(key); err != nil {
				return nil, err
			}
			field, _ := value.Mapping().Get(key)
			fieldNode, err := toYAMLNode(field)
			if err != nil {
				return nil, err
			}
			node.Content = append(node.Content, keyNode, fieldNode)
		}
	}
	return node, nil
}
