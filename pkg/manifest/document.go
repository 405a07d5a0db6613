package manifest

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformedDocument = errors.New("Malformed document")
	ErrDuplicateIdentity = errors.New("Duplicate resource identity")
	ErrUnknownIdentity   = errors.New("Unknown resource identity")
)

// Identity is the tuple uniquely identifying a resource document within a
// resolved manifest set.
type Identity struct {
	Group     string
	Kind      string
	Namespace string
	Name      string
}

func (id Identity) String() string {
	kind := id.Kind
	if id.Group != "" {
		kind = id.Kind + "." + id.Group
	}
	if id.Namespace == "" {
		return fmt.Sprintf("%s/%s", kind, id.Name)
	}
	return fmt.Sprintf("%s/%s/%s", kind, id.Namespace, id.Name)
}

// AsKey renders the identity as a flat, filesystem-safe key.
func (id Identity) AsKey() string {
	return strings.Join([]string{id.Group, id.Kind, id.Namespace, id.Name}, "_")
}

// Document is a single declarative resource document, a mapping-rooted field
// tree with the usual apiVersion/kind/metadata envelope.
type Document struct {
	fields *Mapping
}

func NewDocument(fields *Mapping) Document {
	return Document{fields: fields}
}

func (doc Document) Fields() *Mapping {
	return doc.fields
}

func (doc Document) APIVersion() string {
	return doc.stringAt("apiVersion")
}

// Group returns the api group part of apiVersion, empty for the core group.
func (doc Document) Group() string {
	apiVersion := doc.APIVersion()
	if idx := strings.Index(apiVersion, "/"); idx >= 0 {
		return apiVersion[:idx]
	}
	return ""
}

func (doc Document) Kind() string {
	return doc.stringAt("kind")
}

func (doc Document) Name() string {
	return doc.stringAt("metadata", "name")
}

func (doc Document) Namespace() string {
	return doc.stringAt("metadata", "namespace")
}

func (doc Document) SetName(name string) {
	doc.metadata().Set("name", Scalar(name))
}

func (doc Document) SetNamespace(namespace string) {
	doc.metadata().Set("namespace", Scalar(namespace))
}

func (doc Document) Identity() Identity {
	return Identity{
		Group:     doc.Group(),
		Kind:      doc.Kind(),
		Namespace: doc.Namespace(),
		Name:      doc.Name(),
	}
}

// Annotations returns the metadata annotations, or an empty map when absent.
func (doc Document) Annotations() map[string]string {
	annotations := make(map[string]string)
	metadata, found := doc.fields.Get("metadata")
	if !found || metadata.Kind() != KindMapping {
		return annotations
	}
	annotationsValue, found := metadata.Mapping().Get("annotations")
	if !found || annotationsValue.Kind() != KindMapping {
		return annotations
	}
	for _, key := range annotationsValue.Mapping().Keys() {
		value, _ := annotationsValue.Mapping().Get(key)
		if str, isString := value.Scalar().(string); value.Kind() == KindScalar && isString {
			annotations[key] = str
		}
	}
	return annotations
}

func (doc Document) DeepCopy() Document {
	return Document{fields: doc.fields.DeepCopy()}
}

// Validate reports whether the document carries the minimal envelope needed
// to form an identity.
func (doc Document) Validate() error {
	if doc.fields == nil {
		return fmt.Errorf("%w: document is not a mapping", ErrMalformedDocument)
	}
	if doc.Kind() == "" {
		return fmt.Errorf("%w: missing kind", ErrMalformedDocument)
	}
	if doc.Name() == "" {
		return fmt.Errorf("%w: %s is missing metadata.name", ErrMalformedDocument, doc.Kind())
	}
	return nil
}

func (doc Document) metadata() *Mapping {
	metadata, found := doc.fields.Get("metadata")
	if !found || metadata.Kind() != KindMapping {
		mapping := NewMapping()
		doc.fields.Set("metadata", MappingValue(mapping))
		return mapping
	}
	return metadata.Mapping()
}

func (doc Document) stringAt(path ...string) string {
	current := MappingValue(doc.fields)
	for _, segment := range path {
		if current.Kind() != KindMapping {
			return ""
		}
		next, found := current.Mapping().Get(segment)
		if !found {
			return ""
		}
		current = next
	}
	if current.Kind() != KindScalar {
		return ""
	}
	str, _ := current.Scalar().(string)
	return str
}

// Set is an ordered manifest set with unique identities.
type Set struct {
	identities map[Identity]int
	documents  []Document
}

func NewSet() *Set {
	return &Set{
		identities: make(map[Identity]int),
	}
}

// Insert appends documents, rejecting duplicate identity tuples.
func (set *Set) Insert(docs ...Document) error {
	for _, doc := range docs {
		id := doc.Identity()
		if _, found := set.identities[id]; found {
			return fmt.Errorf("%w: %s", ErrDuplicateIdentity, id)
		}
		set.identities[id] = len(set.documents)
		set.documents = append(set.documents, doc)
	}
	return nil
}

// Get returns the document with the given identity, or nil.
func (set *Set) Get(id Identity) *Document {
	idx, found := set.identities[id]
	if !found {
		return nil
	}
	return &set.documents[idx]
}

// Replace swaps the document stored under the given identity in place.
// A replacement carrying a different identity is re-indexed; colliding with
// another document in the set is an error, so identities stay unique.
func (set *Set) Replace(id Identity, doc Document) error {
	idx, found := set.identities[id]
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
	}
	newID := doc.Identity()
	if newID != id {
		if _, exists := set.identities[newID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateIdentity, newID)
		}
		delete(set.identities, id)
		set.identities[newID] = idx
	}
	set.documents[idx] = doc
	return nil
}

// Documents returns all documents in insertion order.
func (set *Set) Documents() []Document {
	return set.documents
}

func (set *Set) Len() int {
	return len(set.documents)
}
