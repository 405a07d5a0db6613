// Package inventory persists the last successfully applied manifest set per
// overlay. The snapshot is the diff baseline for subsequent runs and is only
// replaced after a plan applied in full.
package inventory

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"
	"github.com/kharf/overlaycd/pkg/manifest"
)

var (
	ErrCorruptSnapshot = errors.New("Corrupt applied state snapshot")
)

// Snapshot is the applied manifest set of one overlay, keyed by resource
// identity.
type Snapshot struct {
	overlay   string
	documents []manifest.Document
	index     map[manifest.Identity]int
}

func NewSnapshot(overlay string, docs []manifest.Document) *Snapshot {
	snapshot := &Snapshot{
		overlay: overlay,
		index:   make(map[manifest.Identity]int, len(docs)),
	}
	for _, doc := range docs {
		snapshot.index[doc.Identity()] = len(snapshot.documents)
		snapshot.documents = append(snapshot.documents, doc)
	}
	return snapshot
}

func (snapshot *Snapshot) Overlay() string {
	return snapshot.overlay
}

func (snapshot *Snapshot) Documents() []manifest.Document {
	return snapshot.documents
}

func (snapshot *Snapshot) Len() int {
	return len(snapshot.documents)
}

func (snapshot *Snapshot) Has(id manifest.Identity) bool {
	_, found := snapshot.index[id]
	return found
}

// Get returns the applied document with the given identity, or nil.
func (snapshot *Snapshot) Get(id manifest.Identity) *manifest.Document {
	idx, found := snapshot.index[id]
	if !found {
		return nil
	}
	return &snapshot.documents[idx]
}

type snapshotFile struct {
	Overlay   string              `json:"overlay"`
	Documents []manifest.Document `json:"documents"`
}

// Instance is a reference to an applied state storage directory.
// It can load and atomically replace per-overlay snapshots.
type Instance struct {
	Log logr.Logger

	// Path is the state directory. One snapshot file per overlay identity.
	Path string
}

// Load reads the snapshot of the given overlay. A missing snapshot is not an
// error: planning against an empty baseline creates everything.
func (instance Instance) Load(overlayName string) (*Snapshot, error) {
	content, err := os.ReadFile(instance.file(overlayName))
	if errors.Is(err, fs.ErrNotExist) {
		return NewSnapshot(overlayName, nil), nil
	}
	if err != nil {
		return nil, err
	}
	var file snapshotFile
	if err := json.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorruptSnapshot, overlayName, err)
	}
	return NewSnapshot(file.Overlay, file.Documents), nil
}

// Store atomically replaces the overlay's snapshot. The write goes to a
// temporary file first and is renamed into place, so a crash never leaves a
// half-written baseline.
func (instance Instance) Store(snapshot *Snapshot) error {
	if err := os.MkdirAll(instance.Path, 0700); err != nil {
		return err
	}
	content, err := json.Marshal(snapshotFile{
		Overlay:   snapshot.overlay,
		Documents: snapshot.documents,
	})
	if err != nil {
		return err
	}
	target := instance.file(snapshot.overlay)
	temp, err := os.CreateTemp(instance.Path, ".snapshot-*")
	if err != nil {
		return err
	}
	if _, err := temp.Write(content); err != nil {
		temp.Close()
		os.Remove(temp.Name())
		return err
	}
	if err := temp.Close(); err != nil {
		os.Remove(temp.Name())
		return err
	}
	if err := os.Rename(temp.Name(), target); err != nil {
		os.Remove(temp.Name())
		return err
	}
	instance.Log.V(1).Info(
		"Stored applied state snapshot",
		"overlay",
		snapshot.overlay,
		"documents",
		snapshot.Len(),
	)
	return nil
}

// Delete removes the overlay's snapshot.
func (instance Instance) Delete(overlayName string) error {
	err := os.Remove(instance.file(overlayName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (instance Instance) file(overlayName string) string {
	key := strings.NewReplacer("/", "_", "\\", "_").Replace(overlayName)
	return filepath.Join(instance.Path, key+".json")
}
