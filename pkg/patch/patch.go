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

// Package patch merges overlay patches onto base resource documents.
//
// Two patch styles are supported: strategic-merge fragments, where the
// target is derived from the fragment's own identity, and targeted
// operations (add/replace/remove) addressing a single path.
// Strategic-merge semantics: scalars overwrite, mappings merge key-by-key
// recursively, sequences are replaced wholesale.
package patch

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kharf/overlaycd/pkg/manifest"
)

var (
	ErrTargetMissing  = errors.New("Patch target missing")
	ErrMalformedPatch = errors.New("Malformed patch")
)

// Op is a targeted patch operation kind.
type Op string

const (
	Add     Op = "add"
	Replace Op = "replace"
	Remove  Op = "remove"
)

// Operation is a single targeted field operation at a slash-separated path,
// e.g. /spec/template/spec/containers/0/image.
type Operation struct {
	Op    Op
	Path  string
	Value manifest.Value
}

// Patch is either a strategic-merge fragment or an ordered list of targeted
// operations addressing one resource.
type Patch struct {
	// Merge is the strategic-merge fragment. Mutually exclusive with Ops.
	Merge *manifest.Document

	// Target of the operations below.
	Target manifest.Identity
	Ops    []Operation
}

// Apply applies patches in declaration order onto the set, mutating it.
// Later patches win on conflicting scalar fields.
func Apply(set *manifest.Set, patches []Patch) error {
	for _, p := range patches {
		if p.Merge != nil {
			if err := applyMerge(set, *p.Merge); err != nil {
				return err
			}
			continue
		}
		if err := applyOps(set, p); err != nil {
			return err
		}
	}
	return nil
}

func applyMerge(set *manifest.Set, fragment manifest.Document) error {
	target := findTarget(set, fragment.Identity())
	if target == nil {
		return fmt.Errorf(
			"%w: no document matches merge fragment %s",
			ErrTargetMissing,
			fragment.Identity(),
		)
	}
	merged := merge(manifest.MappingValue(target.Fields()), manifest.MappingValue(fragment.Fields()))
	if err := set.Replace(target.Identity(), manifest.NewDocument(merged.Mapping())); err != nil {
		return fmt.Errorf("%w: merge fragment %s", err, fragment.Identity())
	}
	return nil
}

// findTarget matches on kind and name. Group and namespace only participate
// when the reference sets them, so fragments and op targets can stay minimal.
func findTarget(set *manifest.Set, targetID manifest.Identity) *manifest.Document {
	for _, doc := range set.Documents() {
		id := doc.Identity()
		if id.Kind != targetID.Kind || id.Name != targetID.Name {
			continue
		}
		if targetID.Group != "" && id.Group != targetID.Group {
			continue
		}
		if targetID.Namespace != "" && id.Namespace != targetID.Namespace {
			continue
		}
		return set.Get(id)
	}
	return nil
}

func merge(base manifest.Value, overlay manifest.Value) manifest.Value {
	if base.Kind() != manifest.KindMapping || overlay.Kind() != manifest.KindMapping {
		// scalars and sequences are replaced wholesale
		return overlay.DeepCopy()
	}
	result := base.Mapping().DeepCopy()
	for _, key := range overlay.Mapping().Keys() {
		overlayField, _ := overlay.Mapping().Get(key)
		baseField, found := result.Get(key)
		if !found {
			result.Set(key, overlayField.DeepCopy())
			continue
		}
		result.Set(key, merge(baseField, overlayField))
	}
	return manifest.MappingValue(result)
}

func applyOps(set *manifest.Set, p Patch) error {
	target := findTarget(set, p.Target)
	if target == nil {
		return fmt.Errorf("%w: %s", ErrTargetMissing, p.Target)
	}
	targetID := target.Identity()
	root := manifest.MappingValue(target.Fields())
	for _, op := range p.Ops {
		segments, err := splitPath(op.Path)
		if err != nil {
			return err
		}
		root, err = applyOp(root, segments, op)
		if err != nil {
			return fmt.Errorf("%w at %s on %s", err, op.Path, p.Target)
		}
	}
	if err := set.Replace(targetID, manifest.NewDocument(root.Mapping())); err != nil {
		return fmt.Errorf("%w: operations patch on %s", err, p.Target)
	}
	return nil
}

func splitPath(path string) ([]string, error) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty operation path", ErrMalformedPatch)
	}
	return strings.Split(trimmed, "/"), nil
}

func applyOp(value manifest.Value, segments []string, op Operation) (manifest.Value, error) {
	segment := segments[0]
	terminal := len(segments) == 1
	switch value.Kind() {
	case manifest.KindMapping:
		mapping := value.Mapping()
		if terminal {
			return terminalMappingOp(mapping, segment, op)
		}
		child, found := mapping.Get(segment)
		if !found {
			return manifest.Value{}, ErrTargetMissing
		}
		patched, err := applyOp(child, segments[1:], op)
		if err != nil {
			return manifest.Value{}, err
		}
		mapping.Set(segment, patched)
		return value, nil
	case manifest.KindSequence:
		items := value.Sequence()
		if terminal && op.Op == Add && (segment == "-" || segment == strconv.Itoa(len(items))) {
			return manifest.Sequence(append(items, op.Value)...), nil
		}
		index, err := strconv.Atoi(segment)
		if err != nil || index < 0 || index >= len(items) {
			return manifest.Value{}, ErrTargetMissing
		}
		if terminal {
			switch op.Op {
			case Add, Replace:
				items[index] = op.Value
			case Remove:
				return manifest.Sequence(append(items[:index:index], items[index+1:]...)...), nil
			default:
				return manifest.Value{}, fmt.Errorf("%w: unknown operation %q", ErrMalformedPatch, op.Op)
			}
			return value, nil
		}
		patched, err := applyOp(items[index], segments[1:], op)
		if err != nil {
			return manifest.Value{}, err
		}
		items[index] = patched
		return value, nil
	}
	return manifest.Value{}, ErrTargetMissing
}

func terminalMappingOp(mapping *manifest.Mapping, key string, op Operation) (manifest.Value, error) {
	_, found := mapping.Get(key)
	switch op.Op {
	case Add:
		mapping.Set(key, op.Value)
	case Replace:
		if !found {
			return manifest.Value{}, ErrTargetMissing
		}
		mapping.Set(key, op.Value)
	case Remove:
		if !found {
			return manifest.Value{}, ErrTargetMissing
		}
		mapping.Delete(key)
	default:
		return manifest.Value{}, fmt.Errorf("%w: unknown operation %q", ErrMalformedPatch, op.Op)
	}
	return manifest.MappingValue(mapping), nil
}
