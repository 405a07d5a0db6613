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

package plan_test

import (
	"context"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/kharf/overlaycd/pkg/inventory"
	"github.com/kharf/overlaycd/pkg/manifest"
	"github.com/kharf/overlaycd/pkg/plan"
	"gotest.tools/v3/assert"
)

func decode(t *testing.T, input string) []manifest.Document {
	t.Helper()
	docs, err := manifest.DecodeDocuments(strings.NewReader(input))
	assert.NilError(t, err)
	return docs
}

func asSet(t *testing.T, docs []manifest.Document) *manifest.Set {
	t.Helper()
	set := manifest.NewSet()
	assert.NilError(t, set.Insert(docs...))
	return set
}

func stepIndex(t *testing.T, steps []plan.Step, name string) int {
	t.Helper()
	for i, step := range steps {
		if step.Document.Name() == name {
			return i
		}
	}
	t.Fatalf("no step for %s", name)
	return -1
}

const deploymentX = `apiVersion: apps/v1
kind: Deployment
metadata:
  name: x
  namespace: apps
spec:
  replicas: 1
`

const deploymentY = `apiVersion: apps/v1
kind: Deployment
metadata:
  name: y
  namespace: apps
spec:
  replicas: 1
`

const deploymentZ = `apiVersion: apps/v1
kind: Deployment
metadata:
  name: z
  namespace: apps
spec:
  replicas: 1
`

func TestBuilder_Build(t *testing.T) {
	builder := plan.Builder{Log: logr.Discard()}

	// applied {x, y}, desired {x (changed), z}
	applied := inventory.NewSnapshot("prod", decode(t, deploymentX+"---\n"+deploymentY))
	changedX := strings.Replace(deploymentX, "replicas: 1", "replicas: 3", 1)
	desired := asSet(t, decode(t, changedX+"---\n"+deploymentZ))

	result, err := builder.Build(context.Background(), "prod", desired, applied)
	assert.NilError(t, err)
	assert.Equal(t, result.Overlay, "prod")
	assert.Equal(t, len(result.Steps), 3)

	x := result.Steps[stepIndex(t, result.Steps, "x")]
	assert.Equal(t, x.Action, plan.Update)
	z := result.Steps[stepIndex(t, result.Steps, "z")]
	assert.Equal(t, z.Action, plan.Create)
	y := result.Steps[stepIndex(t, result.Steps, "y")]
	assert.Equal(t, y.Action, plan.Delete)

	// deletes come last
	assert.Equal(t, stepIndex(t, result.Steps, "y"), len(result.Steps)-1)
}

func TestBuilder_BuildUnchangedIsNoop(t *testing.T) {
	builder := plan.Builder{Log: logr.Discard()}
	applied := inventory.NewSnapshot("prod", decode(t, deploymentX))
	desired := asSet(t, decode(t, deploymentX))

	result, err := builder.Build(context.Background(), "prod", desired, applied)
	assert.NilError(t, err)
	assert.Equal(t, len(result.Steps), 1)
	assert.Equal(t, result.Steps[0].Action, plan.Noop)
	assert.Equal(t, len(result.Changes()), 0)
}

func TestBuilder_BuildEmptySnapshotCreatesEverything(t *testing.T) {
	builder := plan.Builder{Log: logr.Discard()}
	applied := inventory.NewSnapshot("prod", nil)
	desired := asSet(t, decode(t, deploymentX+"---\n"+deploymentY))

	result, err := builder.Build(context.Background(), "prod", desired, applied)
	assert.NilError(t, err)
	assert.Equal(t, len(result.Steps), 2)
	for _, step := range result.Steps {
		assert.Equal(t, step.Action, plan.Create)
	}
}

const namespacedWorkload = `apiVersion: v1
kind: Namespace
metadata:
  name: apps
---
apiVersion: v1
kind: ConfigMap
metadata:
  name: x-env
  namespace: apps
data:
  LOG_LEVEL: info
---
apiVersion: apps/v1
kind: Deployment
metadata:
  name: x
  namespace: apps
spec:
  template:
    spec:
      containers:
        - name: x
          envFrom:
            - configMapRef:
                name: x-env
`

func TestBuilder_BuildOrdersByDependencies(t *testing.T) {
	builder := plan.Builder{Log: logr.Discard()}
	applied := inventory.NewSnapshot("prod", nil)
	desired := asSet(t, decode(t, namespacedWorkload))

	result, err := builder.Build(context.Background(), "prod", desired, applied)
	assert.NilError(t, err)
	assert.Equal(t, len(result.Steps), 3)

	namespace := stepIndex(t, result.Steps, "apps")
	configMap := stepIndex(t, result.Steps, "x-env")
	deployment := stepIndex(t, result.Steps, "x")
	assert.Assert(t, namespace < configMap)
	assert.Assert(t, configMap < deployment)

	// the deployment carries both edges, the configmap its namespace edge
	assert.Equal(t, len(result.Steps[deployment].Dependencies), 2)
	assert.Equal(t, len(result.Steps[configMap].Dependencies), 1)
	assert.Equal(t, len(result.Steps[namespace].Dependencies), 0)
}

func TestBuilder_BuildDependsOnAnnotation(t *testing.T) {
	builder := plan.Builder{Log: logr.Discard()}
	applied := inventory.NewSnapshot("prod", nil)
	desired := asSet(t, decode(t, `apiVersion: apps/v1
kind: Deployment
metadata:
  name: frontend
  namespace: apps
  annotations:
    overlaycd.kharf.dev/depends-on: Deployment/backend
---
apiVersion: apps/v1
kind: Deployment
metadata:
  name: backend
  namespace: apps
`))

	result, err := builder.Build(context.Background(), "prod", desired, applied)
	assert.NilError(t, err)
	frontend := stepIndex(t, result.Steps, "frontend")
	backend := stepIndex(t, result.Steps, "backend")
	assert.Assert(t, backend < frontend)
}

func TestBuilder_BuildDeletesInReverseDependencyOrder(t *testing.T) {
	builder := plan.Builder{Log: logr.Discard()}
	applied := inventory.NewSnapshot("prod", decode(t, namespacedWorkload))
	desired := manifest.NewSet()

	result, err := builder.Build(context.Background(), "prod", desired, applied)
	assert.NilError(t, err)
	assert.Equal(t, len(result.Steps), 3)
	for _, step := range result.Steps {
		assert.Equal(t, step.Action, plan.Delete)
	}
	deployment := stepIndex(t, result.Steps, "x")
	configMap := stepIndex(t, result.Steps, "x-env")
	namespace := stepIndex(t, result.Steps, "apps")
	assert.Assert(t, deployment < configMap)
	assert.Assert(t, configMap < namespace)
}

func TestBuilder_BuildCyclicDependsOn(t *testing.T) {
	builder := plan.Builder{Log: logr.Discard()}
	applied := inventory.NewSnapshot("prod", nil)
	desired := asSet(t, decode(t, `apiVersion: apps/v1
kind: Deployment
metadata:
  name: a
  namespace: apps
  annotations:
    overlaycd.kharf.dev/depends-on: Deployment/b
---
apiVersion: apps/v1
kind: Deployment
metadata:
  name: b
  namespace: apps
  annotations:
    overlaycd.kharf.dev/depends-on: Deployment/a
`))

	_, err := builder.Build(context.Background(), "prod", desired, applied)
	assert.ErrorIs(t, err, plan.ErrCyclicDependency)
}

// fakeLiveReader serves a fixed set of live documents.
type fakeLiveReader struct {
	docs map[manifest.Identity]manifest.Document
}

var _ plan.LiveReader = (*fakeLiveReader)(nil)

func (reader *fakeLiveReader) Get(
	_ context.Context,
	id manifest.Identity,
) (*manifest.Document, error) {
	doc, found := reader.docs[id]
	if !found {
		return nil, nil
	}
	return &doc, nil
}

func TestBuilder_BuildLiveDiff(t *testing.T) {
	// snapshot says x has replicas 3, but the live state drifted back to 1
	changedX := strings.Replace(deploymentX, "replicas: 1", "replicas: 3", 1)
	applied := inventory.NewSnapshot("prod", decode(t, changedX+"---\n"+deploymentY))

	liveX := decode(t, deploymentX)[0]
	builder := plan.Builder{
		Log: logr.Discard(),
		Live: &fakeLiveReader{docs: map[manifest.Identity]manifest.Document{
			liveX.Identity(): liveX,
		}},
	}
	desired := asSet(t, decode(t, changedX))

	result, err := builder.Build(context.Background(), "prod", desired, applied)
	assert.NilError(t, err)

	// snapshot diffing would call this a noop, live diffing repairs the drift
	x := result.Steps[stepIndex(t, result.Steps, "x")]
	assert.Equal(t, x.Action, plan.Update)

	// y is snapshot-only and already gone live, so no delete is planned
	for _, step := range result.Steps {
		assert.Assert(t, step.Document.Name() != "y")
	}
}
