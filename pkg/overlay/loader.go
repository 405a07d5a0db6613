// Package overlay loads base/overlay configuration trees and renders them
// into resolved manifest sets.
//
// Every overlay directory carries an index file listing its resource
// documents, generators and patches, plus an optional base reference to
// another overlay directory. Base references resolve recursively and must
// be acyclic.
package overlay

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/kharf/overlaycd/pkg/generator"
	"github.com/kharf/overlaycd/pkg/manifest"
	"github.com/kharf/overlaycd/pkg/patch"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

const (
	// IndexFileName is the manifest index every base and overlay directory
	// must contain.
	IndexFileName = "overlay.yaml"
)

var (
	ErrNotFound       = errors.New("Base or overlay not found")
	ErrMalformedIndex = errors.New("Malformed overlay index")
	ErrCycle          = errors.New("Overlay reference cycle detected")
)

// Overlay is a fully loaded, not yet rendered overlay: its layers ordered
// base-first, the overlay's own layer last.
type Overlay struct {
	Name   string
	Layers []Layer
}

// Layer is the loaded content of one directory in the base/overlay chain.
type Layer struct {
	Path       string
	Resources  []manifest.Document
	Generators []generator.Spec
	Patches    []patch.Patch
}

// Loader reads overlay trees from a filesystem root.
type Loader struct {
	Log logr.Logger

	// FS is the filesystem the tree is read from.
	FS afero.Fs

	// Root is the directory containing base and overlay directories.
	Root string
}

// Load resolves the overlay directory named by a root-relative path,
// follows its base references and returns the layered definition.
func (loader Loader) Load(overlayName string) (*Overlay, error) {
	visited := make(map[string]struct{})
	layers, err := loader.load(filepath.Join(loader.Root, overlayName), visited)
	if err != nil {
		return nil, err
	}
	return &Overlay{
		Name:   overlayName,
		Layers: layers,
	}, nil
}

func (loader Loader) load(dir string, visited map[string]struct{}) ([]Layer, error) {
	dir = filepath.Clean(dir)
	if _, found := visited[dir]; found {
		return nil, fmt.Errorf("%w: %s references itself transitively", ErrCycle, dir)
	}
	visited[dir] = struct{}{}

	index, err := loader.readIndex(dir)
	if err != nil {
		return nil, err
	}

	var layers []Layer
	if index.Base != "" {
		baseLayers, err := loader.load(filepath.Join(dir, index.Base), visited)
		if err != nil {
			return nil, err
		}
		layers = baseLayers
	}

	layer := Layer{
		Path:       dir,
		Generators: index.Generators,
	}
	for _, resource := range index.Resources {
		docs, err := loader.readDocuments(filepath.Join(dir, resource))
		if err != nil {
			return nil, err
		}
		layer.Resources = append(layer.Resources, docs...)
	}
	for _, ref := range index.Patches {
		patches, err := loader.readPatches(dir, ref)
		if err != nil {
			return nil, err
		}
		layer.Patches = append(layer.Patches, patches...)
	}
	loader.Log.V(1).Info(
		"Loaded layer",
		"path",
		dir,
		"resources",
		len(layer.Resources),
		"patches",
		len(layer.Patches),
		"generators",
		len(layer.Generators),
	)
	return append(layers, layer), nil
}

type indexFile struct {
	Base       string           `yaml:"base"`
	Resources  []string         `yaml:"resources"`
	Generators []generator.Spec `yaml:"generators"`
	Patches    []patchRef       `yaml:"patches"`
}

type patchRef struct {
	Path   string     `yaml:"path"`
	Target *targetRef `yaml:"target"`
}

type targetRef struct {
	Group     string `yaml:"group"`
	Kind      string `yaml:"kind"`
	Namespace string `yaml:"namespace"`
	Name      string `yaml:"name"`
}

func (loader Loader) readIndex(dir string) (*indexFile, error) {
	if _, err := loader.FS.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, dir)
	}
	indexPath := filepath.Join(dir, IndexFileName)
	content, err := afero.ReadFile(loader.FS, indexPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, indexPath)
	}
	if err != nil {
		return nil, err
	}
	var index indexFile
	if err := yaml.Unmarshal(content, &index); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedIndex, indexPath, err)
	}
	return &index, nil
}

func (loader Loader) readDocuments(path string) ([]manifest.Document, error) {
	file, err := loader.FS.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()
	docs, err := manifest.DecodeDocuments(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return docs, nil
}

// readPatches parses a patch file. A file whose root is a sequence of
// {op, path, value} entries is a targeted-operations patch and requires an
// explicit target in the index; mapping documents are strategic-merge
// fragments, one patch per document.
func (loader Loader) readPatches(dir string, ref patchRef) ([]patch.Patch, error) {
	path := filepath.Join(dir, ref.Path)
	content, err := afero.ReadFile(loader.FS, path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, err
	}

	var node yaml.Node
	if err := yaml.Unmarshal(content, &node); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", manifest.ErrMalformedDocument, path, err)
	}
	root := &node
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}

	if root.Kind == yaml.SequenceNode {
		if ref.Target == nil {
			return nil, fmt.Errorf(
				"%w: operations patch %s requires a target",
				ErrMalformedIndex,
				path,
			)
		}
		ops, err := parseOperations(root, path)
		if err != nil {
			return nil, err
		}
		return []patch.Patch{{
			Target: manifest.Identity{
				Group:     ref.Target.Group,
				Kind:      ref.Target.Kind,
				Namespace: ref.Target.Namespace,
				Name:      ref.Target.Name,
			},
			Ops: ops,
		}}, nil
	}

	fragments, err := loader.readDocuments(filepath.Join(dir, ref.Path))
	if err != nil {
		return nil, err
	}
	patches := make([]patch.Patch, 0, len(fragments))
	for _, fragment := range fragments {
		fragment := fragment
		patches = append(patches, patch.Patch{Merge: &fragment})
	}
	return patches, nil
}

func parseOperations(root *yaml.Node, path string) ([]patch.Operation, error) {
	ops := make([]patch.Operation, 0, len(root.Content))
	for _, entry := range root.Content {
		var raw struct {
			Op    string    `yaml:"op"`
			Path  string    `yaml:"path"`
			Value yaml.Node `yaml:"value"`
		}
		if err := entry.Decode(&raw); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", patch.ErrMalformedPatch, path, err)
		}
		op := patch.Operation{
			Op:   patch.Op(raw.Op),
			Path: raw.Path,
		}
		if raw.Value.Kind != 0 {
			value, err := manifest.FromNode(&raw.Value)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			op.Value = value
		}
		ops = append(ops, op)
	}
	return ops, nil
}
