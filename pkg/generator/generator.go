// Package generator expands config and secret generator directives into
// concrete resource documents with content-derived names.
// The derived name changes whenever any literal key or value changes,
// which forces workloads referencing the generated name to roll out.
package generator

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/kharf/overlaycd/pkg/manifest"
	"github.com/mitchellh/hashstructure"
)

var (
	ErrUnknownKind      = errors.New("Unknown generator kind")
	ErrInvalidLiteral   = errors.New("Invalid generator literal")
	ErrDuplicateLiteral = errors.New("Duplicate generator literal key")
)

// Kind of the generated resource.
type Kind string

const (
	Config Kind = "config"
	Secret Kind = "secret"
)

// Spec declares a single config or secret generator.
type Spec struct {
	Kind      Kind     `yaml:"kind"`
	Name      string   `yaml:"name"`
	Namespace string   `yaml:"namespace"`
	Literals  []string `yaml:"literals"`
}

// Expand deterministically produces one document per spec.
// Identical literal sets yield identical documents, regardless of literal
// declaration order.
func Expand(specs []Spec) ([]manifest.Document, error) {
	docs := make([]manifest.Document, 0, len(specs))
	for _, spec := range specs {
		doc, err := expand(spec)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func expand(spec Spec) (manifest.Document, error) {
	literals, err := parseLiterals(spec)
	if err != nil {
		return manifest.Document{}, err
	}
	suffix, err := hashLiterals(literals)
	if err != nil {
		return manifest.Document{}, err
	}

	metadata := manifest.NewMapping()
	metadata.Set("name", manifest.Scalar(fmt.Sprintf("%s-%s", spec.Name, suffix)))
	if spec.Namespace != "" {
		metadata.Set("namespace", manifest.Scalar(spec.Namespace))
	}

	data := manifest.NewMapping()
	for _, key := range sortedKeys(literals) {
		data.Set(key, manifest.Scalar(literals[key]))
	}

	fields := manifest.NewMapping()
	switch spec.Kind {
	case Config:
		fields.Set("apiVersion", manifest.Scalar("v1"))
		fields.Set("kind", manifest.Scalar("ConfigMap"))
		fields.Set("metadata", manifest.MappingValue(metadata))
		fields.Set("data", manifest.MappingValue(data))
	case Secret:
		fields.Set("apiVersion", manifest.Scalar("v1"))
		fields.Set("kind", manifest.Scalar("Secret"))
		fields.Set("metadata", manifest.MappingValue(metadata))
		fields.Set("type", manifest.Scalar("Opaque"))
		fields.Set("stringData", manifest.MappingValue(data))
	default:
		return manifest.Document{}, fmt.Errorf("%w: %q", ErrUnknownKind, spec.Kind)
	}
	return manifest.NewDocument(fields), nil
}

func parseLiterals(spec Spec) (map[string]string, error) {
	literals := make(map[string]string, len(spec.Literals))
	for _, literal := range spec.Literals {
		key, value, found := strings.Cut(literal, "=")
		if !found || key == "" {
			return nil, fmt.Errorf(
				"%w: %q is not of form KEY=value in generator %s",
				ErrInvalidLiteral,
				literal,
				spec.Name,
			)
		}
		if _, exists := literals[key]; exists {
			return nil, fmt.Errorf(
				"%w: %q in generator %s",
				ErrDuplicateLiteral,
				key,
				spec.Name,
			)
		}
		literals[key] = value
	}
	return literals, nil
}

// hashLiterals derives the name suffix. Hashing the literal map is
// independent of literal declaration order but sensitive to every key and
// value.
func hashLiterals(literals map[string]string) (string, error) {
	hash, err := hashstructure.Hash(literals, nil)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", hash), nil
}

func sortedKeys(literals map[string]string) []string {
	keys := make([]string, 0, len(literals))
	for key := range literals {
		keys = append(keys, key)
	}
	// deterministic field order in the generated document
	sort.Strings(keys)
	return keys
}
