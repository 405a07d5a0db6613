package overlay_test

import (
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/kharf/overlaycd/pkg/manifest"
	"github.com/kharf/overlaycd/pkg/overlay"
	"github.com/spf13/afero"
	"gotest.tools/v3/assert"
)

func writeTree(t *testing.T, files map[string]string) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	for path, content := range files {
		assert.NilError(t, afero.WriteFile(fs, path, []byte(content), 0600))
	}
	return fs
}

func newLoader(fs afero.Fs) overlay.Loader {
	return overlay.Loader{
		Log:  logr.Discard(),
		FS:   fs,
		Root: "manifests",
	}
}

var treeFiles = map[string]string{
	"manifests/base/overlay.yaml": `resources:
  - deployment.yaml
generators:
  - kind: config
    name: my-app-env
    namespace: apps
    literals:
      - LOG_LEVEL=info
`,
	"manifests/base/deployment.yaml": `apiVersion: apps/v1
kind: Deployment
metadata:
  name: my-app
  namespace: apps
spec:
  replicas: 1
  template:
    spec:
      containers:
        - name: my-app
          image: my-app:1.0.0
`,
	"manifests/prod/overlay.yaml": `base: ../base
resources:
  - service.yaml
patches:
  - path: replicas.yaml
  - path: image.yaml
    target:
      group: apps
      kind: Deployment
      namespace: apps
      name: my-app
`,
	"manifests/prod/service.yaml": `apiVersion: v1
kind: Service
metadata:
  name: my-app
  namespace: apps
spec:
  ports:
    - port: 80
`,
	"manifests/prod/replicas.yaml": `apiVersion: apps/v1
kind: Deployment
metadata:
  name: my-app
spec:
  replicas: 3
`,
	"manifests/prod/image.yaml": `- op: replace
  path: /spec/template/spec/containers/0/image
  value: my-app:2.0.0
`,
}

func TestLoader_Load(t *testing.T) {
	loader := newLoader(writeTree(t, treeFiles))
	loaded, err := loader.Load("prod")
	assert.NilError(t, err)

	assert.Equal(t, loaded.Name, "prod")
	assert.Equal(t, len(loaded.Layers), 2)

	base := loaded.Layers[0]
	assert.Equal(t, base.Path, "manifests/base")
	assert.Equal(t, len(base.Resources), 1)
	assert.Equal(t, len(base.Generators), 1)
	assert.Equal(t, base.Generators[0].Name, "my-app-env")

	prod := loaded.Layers[1]
	assert.Equal(t, prod.Path, "manifests/prod")
	assert.Equal(t, len(prod.Resources), 1)
	assert.Equal(t, len(prod.Patches), 2)
	assert.Assert(t, prod.Patches[0].Merge != nil)
	assert.Assert(t, prod.Patches[1].Merge == nil)
	assert.Equal(t, prod.Patches[1].Target.Name, "my-app")
	assert.Equal(t, len(prod.Patches[1].Ops), 1)
}

func TestLoader_LoadErrors(t *testing.T) {
	testCases := []struct {
		name        string
		files       map[string]string
		overlayName string
		expectedErr error
	}{
		{
			name:        "OverlayDirectoryMissing",
			files:       treeFiles,
			overlayName: "staging",
			expectedErr: overlay.ErrNotFound,
		},
		{
			name: "IndexFileMissing",
			files: map[string]string{
				"manifests/prod/deployment.yaml": treeFiles["manifests/base/deployment.yaml"],
			},
			overlayName: "prod",
			expectedErr: overlay.ErrNotFound,
		},
		{
			name: "ResourceFileMissing",
			files: map[string]string{
				"manifests/prod/overlay.yaml": "resources:\n  - deployment.yaml\n",
			},
			overlayName: "prod",
			expectedErr: overlay.ErrNotFound,
		},
		{
			name: "MalformedIndex",
			files: map[string]string{
				"manifests/prod/overlay.yaml": "resources: {broken\n",
			},
			overlayName: "prod",
			expectedErr: overlay.ErrMalformedIndex,
		},
		{
			name: "BaseCycle",
			files: map[string]string{
				"manifests/a/overlay.yaml": "base: ../b\n",
				"manifests/b/overlay.yaml": "base: ../a\n",
			},
			overlayName: "a",
			expectedErr: overlay.ErrCycle,
		},
		{
			name: "OperationsPatchWithoutTarget",
			files: map[string]string{
				"manifests/prod/overlay.yaml": "patches:\n  - path: ops.yaml\n",
				"manifests/prod/ops.yaml":     "- op: remove\n  path: /spec/replicas\n",
			},
			overlayName: "prod",
			expectedErr: overlay.ErrMalformedIndex,
		},
		{
			name: "MalformedResourceDocument",
			files: map[string]string{
				"manifests/prod/overlay.yaml":    "resources:\n  - deployment.yaml\n",
				"manifests/prod/deployment.yaml": "kind: Deployment\n",
			},
			overlayName: "prod",
			expectedErr: manifest.ErrMalformedDocument,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			loader := newLoader(writeTree(t, tc.files))
			_, err := loader.Load(tc.overlayName)
			assert.ErrorIs(t, err, tc.expectedErr)
		})
	}
}

func TestRender(t *testing.T) {
	loader := newLoader(writeTree(t, treeFiles))
	loaded, err := loader.Load("prod")
	assert.NilError(t, err)

	set, err := overlay.Render(loaded)
	assert.NilError(t, err)
	assert.Equal(t, set.Len(), 3)

	deployment := set.Get(manifest.Identity{
		Group:     "apps",
		Kind:      "Deployment",
		Namespace: "apps",
		Name:      "my-app",
	})
	assert.Assert(t, deployment != nil)
	spec, _ := deployment.Fields().Get("spec")
	replicas, _ := spec.Mapping().Get("replicas")
	assert.Equal(t, replicas.Scalar(), int64(3))
	template, _ := spec.Mapping().Get("template")
	templateSpec, _ := template.Mapping().Get("spec")
	containers, _ := templateSpec.Mapping().Get("containers")
	image, _ := containers.Sequence()[0].Mapping().Get("image")
	assert.Equal(t, image.Scalar(), "my-app:2.0.0")

	var generated *manifest.Document
	for _, doc := range set.Documents() {
		doc := doc
		if doc.Kind() == "ConfigMap" {
			generated = &doc
		}
	}
	assert.Assert(t, generated != nil)
	assert.Assert(t, strings.HasPrefix(generated.Name(), "my-app-env-"))
	assert.Equal(t, generated.Namespace(), "apps")
}

func TestRender_DuplicateIdentity(t *testing.T) {
	files := map[string]string{
		"manifests/base/overlay.yaml":    "resources:\n  - deployment.yaml\n",
		"manifests/base/deployment.yaml": treeFiles["manifests/base/deployment.yaml"],
		"manifests/prod/overlay.yaml":    "base: ../base\nresources:\n  - deployment.yaml\n",
		"manifests/prod/deployment.yaml": treeFiles["manifests/base/deployment.yaml"],
	}
	loader := newLoader(writeTree(t, files))
	loaded, err := loader.Load("prod")
	assert.NilError(t, err)

	_, err = overlay.Render(loaded)
	assert.ErrorIs(t, err, manifest.ErrDuplicateIdentity)
}

func TestRender_Determinism(t *testing.T) {
	render := func(t *testing.T) string {
		loader := newLoader(writeTree(t, treeFiles))
		loaded, err := loader.Load("prod")
		assert.NilError(t, err)
		set, err := overlay.Render(loaded)
		assert.NilError(t, err)
		buf := &strings.Builder{}
		assert.NilError(t, manifest.EncodeDocuments(buf, set.Documents()))
		return buf.String()
	}
	assert.Equal(t, render(t), render(t))
}

func TestRender_RenameOntoExistingIdentity(t *testing.T) {
	files := map[string]string{
		"manifests/prod/overlay.yaml": `resources:
  - deployments.yaml
patches:
  - path: rename.yaml
    target:
      group: apps
      kind: Deployment
      namespace: apps
      name: one
`,
		"manifests/prod/deployments.yaml": `apiVersion: apps/v1
kind: Deployment
metadata:
  name: one
  namespace: apps
---
apiVersion: apps/v1
kind: Deployment
metadata:
  name: two
  namespace: apps
`,
		"manifests/prod/rename.yaml": `- op: replace
  path: /metadata/name
  value: two
`,
	}
	loader := newLoader(writeTree(t, files))
	loaded, err := loader.Load("prod")
	assert.NilError(t, err)

	_, err = overlay.Render(loaded)
	assert.ErrorIs(t, err, manifest.ErrDuplicateIdentity)
}
