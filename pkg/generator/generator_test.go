package generator_test

import (
	"strings"
	"testing"

	"github.com/kharf/overlaycd/pkg/generator"
	"github.com/kharf/overlaycd/pkg/manifest"
	"gotest.tools/v3/assert"
)

func TestExpand(t *testing.T) {
	docs, err := generator.Expand([]generator.Spec{
		{
			Kind:      generator.Config,
			Name:      "app-config",
			Namespace: "apps",
			Literals:  []string{"LOG_LEVEL=info", "PORT=8080"},
		},
		{
			Kind:     generator.Secret,
			Name:     "app-secret",
			Literals: []string{"TOKEN=hunter2"},
		},
	})
	assert.NilError(t, err)
	assert.Equal(t, len(docs), 2)

	configMap := docs[0]
	assert.Equal(t, configMap.Kind(), "ConfigMap")
	assert.Equal(t, configMap.Namespace(), "apps")
	assert.Assert(t, strings.HasPrefix(configMap.Name(), "app-config-"))
	data, found := configMap.Fields().Get("data")
	assert.Assert(t, found)
	logLevel, found := data.Mapping().Get("LOG_LEVEL")
	assert.Assert(t, found)
	assert.Equal(t, logLevel.Scalar(), "info")

	secret := docs[1]
	assert.Equal(t, secret.Kind(), "Secret")
	assert.Assert(t, strings.HasPrefix(secret.Name(), "app-secret-"))
	_, found = secret.Fields().Get("stringData")
	assert.Assert(t, found)
}

func TestExpand_NameDerivation(t *testing.T) {
	base := generator.Spec{
		Kind:     generator.Config,
		Name:     "app-config",
		Literals: []string{"LOG_LEVEL=info", "PORT=8080"},
	}
	expandOne := func(t *testing.T, spec generator.Spec) manifest.Document {
		docs, err := generator.Expand([]generator.Spec{spec})
		assert.NilError(t, err)
		return docs[0]
	}

	t.Run("StableAcrossRuns", func(t *testing.T) {
		first := expandOne(t, base)
		second := expandOne(t, base)
		assert.Equal(t, first.Name(), second.Name())
		assert.Assert(
			t,
			manifest.MappingValue(first.Fields()).
				Equal(manifest.MappingValue(second.Fields())),
		)
	})

	t.Run("LiteralOrderIrrelevant", func(t *testing.T) {
		reordered := base
		reordered.Literals = []string{"PORT=8080", "LOG_LEVEL=info"}
		assert.Equal(t, expandOne(t, base).Name(), expandOne(t, reordered).Name())
	})

	t.Run("ValueChangeChangesName", func(t *testing.T) {
		changed := base
		changed.Literals = []string{"LOG_LEVEL=debug", "PORT=8080"}
		assert.Assert(t, expandOne(t, base).Name() != expandOne(t, changed).Name())
	})

	t.Run("KeyChangeChangesName", func(t *testing.T) {
		changed := base
		changed.Literals = []string{"LOG_LVL=info", "PORT=8080"}
		assert.Assert(t, expandOne(t, base).Name() != expandOne(t, changed).Name())
	})
}

func TestExpand_Errors(t *testing.T) {
	testCases := []struct {
		name        string
		spec        generator.Spec
		expectedErr error
	}{
		{
			name: "MissingSeparator",
			spec: generator.Spec{
				Kind:     generator.Config,
				Name:     "broken",
				Literals: []string{"LOG_LEVEL"},
			},
			expectedErr: generator.ErrInvalidLiteral,
		},
		{
			name: "EmptyKey",
			spec: generator.Spec{
				Kind:     generator.Config,
				Name:     "broken",
				Literals: []string{"=info"},
			},
			expectedErr: generator.ErrInvalidLiteral,
		},
		{
			name: "DuplicateKey",
			spec: generator.Spec{
				Kind:     generator.Config,
				Name:     "broken",
				Literals: []string{"A=1", "A=2"},
			},
			expectedErr: generator.ErrDuplicateLiteral,
		},
		{
			name: "UnknownKind",
			spec: generator.Spec{
				Kind: "certificate",
				Name: "broken",
			},
			expectedErr: generator.ErrUnknownKind,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := generator.Expand([]generator.Spec{tc.spec})
			assert.ErrorIs(t, err, tc.expectedErr)
		})
	}
}
