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

// Package plan diffs a resolved manifest set against the applied state and
// produces an ordered apply plan.
//
// Creates and updates are ordered by dependency rank, deletes come last in
// reverse-topological order so dependents disappear before the resources
// they point to.
package plan

import (
	"context"
	"strings"

	"github.com/go-logr/logr"
	"github.com/kharf/overlaycd/pkg/inventory"
	"github.com/kharf/overlaycd/pkg/manifest"
)

const (
	// DependsOnAnnotation declares explicit dependencies as a
	// comma-separated list of Kind/name or Kind/namespace/name references.
	DependsOnAnnotation = "overlaycd.kharf.dev/depends-on"
)

// Action is what the applier has to do for one resource.
type Action int

const (
	Noop Action = iota
	Create
	Update
	Delete
)

func (action Action) String() string {
	switch action {
	case Create:
		return "create"
	case Update:
		return "update"
	case Delete:
		return "delete"
	}
	return "noop"
}

// Step is one planned action. For delete steps Document holds the previously
// applied content.
type Step struct {
	Action   Action
	Document manifest.Document

	// Dependencies are identities of resources in the same plan this step
	// must not precede. Only populated for create/update steps.
	Dependencies []manifest.Identity
}

// Plan is the ordered list of steps turning the applied state into the
// desired manifest set.
type Plan struct {
	Overlay string
	Steps   []Step
}

// Changes returns the steps that issue cluster calls, preserving order.
func (plan *Plan) Changes() []Step {
	changes := make([]Step, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		if step.Action != Noop {
			changes = append(changes, step)
		}
	}
	return changes
}

// LiveReader reads the current state of a single resource.
// A nil document without error means the resource does not exist.
type LiveReader interface {
	Get(ctx context.Context, id manifest.Identity) (*manifest.Document, error)
}

// Builder computes plans.
type Builder struct {
	Log logr.Logger

	// Live, when set, diffs desired documents against the live endpoint
	// state instead of the stored snapshot content. This makes re-runs
	// robust against out-of-band changes and partially applied plans.
	// Deletions are still derived from the snapshot, as the endpoint cannot
	// enumerate the resources an overlay owns.
	Live LiveReader
}

// Build compares the desired set with the applied snapshot and returns the
// ordered plan. Resources only in the desired set are created, differing
// ones updated, snapshot-only ones deleted and unchanged ones planned as
// noop steps which never reach the endpoint.
func (builder Builder) Build(
	ctx context.Context,
	overlayName string,
	desired *manifest.Set,
	applied *inventory.Snapshot,
) (*Plan, error) {
	ordered, err := order(desired)
	if err != nil {
		return nil, err
	}

	steps := make([]Step, 0, desired.Len())
	for _, resource := range ordered {
		doc := *desired.Get(resource.id)
		baseline, err := builder.baseline(ctx, resource.id, applied)
		if err != nil {
			return nil, err
		}
		step := Step{
			Action:       Create,
			Document:     doc,
			Dependencies: resource.dependencies,
		}
		switch {
		case baseline == nil:
		case manifest.MappingValue(baseline.Fields()).
			Equal(manifest.MappingValue(doc.Fields())):
			step.Action = Noop
		default:
			step.Action = Update
		}
		steps = append(steps, step)
	}

	deleteSteps, err := builder.deletions(ctx, desired, applied)
	if err != nil {
		return nil, err
	}
	steps = append(steps, deleteSteps...)

	plan := &Plan{
		Overlay: overlayName,
		Steps:   steps,
	}
	builder.Log.V(1).Info(
		"Built plan",
		"overlay",
		overlayName,
		"steps",
		len(plan.Steps),
		"changes",
		len(plan.Changes()),
	)
	return plan, nil
}

func (builder Builder) baseline(
	ctx context.Context,
	id manifest.Identity,
	applied *inventory.Snapshot,
) (*manifest.Document, error) {
	if builder.Live != nil {
		return builder.Live.Get(ctx, id)
	}
	return applied.Get(id), nil
}

// deletions plans snapshot-only resources in reverse-topological order, so
// dependents are removed before the resources they reference.
func (builder Builder) deletions(
	ctx context.Context,
	desired *manifest.Set,
	applied *inventory.Snapshot,
) ([]Step, error) {
	deleted := manifest.NewSet()
	for _, doc := range applied.Documents() {
		if desired.Get(doc.Identity()) == nil {
			if err := deleted.Insert(doc); err != nil {
				return nil, err
			}
		}
	}
	ordered, err := order(deleted)
	if err != nil {
		return nil, err
	}

	steps := make([]Step, 0, deleted.Len())
	for i := len(ordered) - 1; i >= 0; i-- {
		doc := *deleted.Get(ordered[i].id)
		if builder.Live != nil {
			live, err := builder.Live.Get(ctx, doc.Identity())
			if err != nil {
				return nil, err
			}
			// already gone out-of-band, nothing to plan
			if live == nil {
				continue
			}
		}
		steps = append(steps, Step{
			Action:   Delete,
			Document: doc,
		})
	}
	return steps, nil
}

type orderedResource struct {
	id           manifest.Identity
	dependencies []manifest.Identity
}

// order ranks a set topologically by its dependency graph.
func order(set *manifest.Set) ([]orderedResource, error) {
	graph := NewDependencyGraph()
	byKey := make(map[string]orderedResource, set.Len())
	for _, doc := range set.Documents() {
		id := doc.Identity()
		dependencies := dependencies(doc, set)
		keys := make([]string, 0, len(dependencies))
		for _, dependency := range dependencies {
			keys = append(keys, dependency.AsKey())
		}
		byKey[id.AsKey()] = orderedResource{id: id, dependencies: dependencies}
		if err := graph.Insert(Resource{ID: id.AsKey(), Dependencies: keys}); err != nil {
			return nil, err
		}
	}
	sorted, err := graph.TopologicalSort()
	if err != nil {
		return nil, err
	}
	ordered := make([]orderedResource, 0, len(sorted))
	for _, resource := range sorted {
		ordered = append(ordered, byKey[resource.ID])
	}
	return ordered, nil
}

// dependencies derives the edges of one document: its Namespace document,
// every ConfigMap/Secret in the same namespace whose name the document
// references and any explicit depends-on annotations. Only edges to
// resources present in the set count.
func dependencies(doc manifest.Document, set *manifest.Set) []manifest.Identity {
	id := doc.Identity()
	seen := make(map[manifest.Identity]struct{})
	var deps []manifest.Identity
	add := func(dependency manifest.Identity) {
		if dependency == id || set.Get(dependency) == nil {
			return
		}
		if _, found := seen[dependency]; found {
			return
		}
		seen[dependency] = struct{}{}
		deps = append(deps, dependency)
	}

	if id.Namespace != "" {
		add(manifest.Identity{Kind: "Namespace", Name: id.Namespace})
	}

	references := stringScalars(manifest.MappingValue(doc.Fields()))
	for _, candidate := range set.Documents() {
		candidateID := candidate.Identity()
		if candidateID.Group != "" ||
			(candidateID.Kind != "ConfigMap" && candidateID.Kind != "Secret") {
			continue
		}
		if candidateID.Namespace != id.Namespace {
			continue
		}
		if _, found := references[candidateID.Name]; found {
			add(candidateID)
		}
	}

	for _, reference := range parseDependsOn(doc.Annotations()[DependsOnAnnotation], id.Namespace) {
		add(reference)
	}
	return deps
}

func parseDependsOn(annotation string, defaultNamespace string) []manifest.Identity {
	if annotation == "" {
		return nil
	}
	var references []manifest.Identity
	for _, entry := range strings.Split(annotation, ",") {
		parts := strings.Split(strings.TrimSpace(entry), "/")
		switch len(parts) {
		case 2:
			references = append(references,
				manifest.Identity{Kind: parts[0], Namespace: defaultNamespace, Name: parts[1]},
				manifest.Identity{Kind: parts[0], Name: parts[1]},
			)
		case 3:
			references = append(references,
				manifest.Identity{Kind: parts[0], Namespace: parts[1], Name: parts[2]},
			)
		}
	}
	return references
}

func stringScalars(value manifest.Value) map[string]struct{} {
	scalars := make(map[string]struct{})
	var walk func(value manifest.Value)
	walk = func(value manifest.Value) {
		switch value.Kind() {
		case manifest.KindScalar:
			if str, isString := value.Scalar().(string); isString {
				scalars[str] = struct{}{}
			}
		case manifest.KindSequence:
			for _, item := range value.Sequence() {
				walk(item)
			}
		case manifest.KindMapping:
			for _, key := range value.Mapping().Keys() {
				field, _ := value.Mapping().Get(key)
				walk(field)
			}
		}
	}
	walk(value)
	return scalars
}
