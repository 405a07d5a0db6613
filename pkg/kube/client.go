package kube

import (
	"context"
	"fmt"

	"github.com/kharf/overlaycd/pkg/manifest"
	k8sErrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/discovery"
	memory "k8s.io/client-go/discovery/cached"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/restmapper"
)

const (
	// ClientName is the field manager identifying overlaycd mutations.
	ClientName = "overlaycd"
)

// DynamicClient connects to a Kubernetes cluster to create, read, update and
// delete arbitrary resource documents. It is the production implementation
// of the applier's endpoint capability.
type DynamicClient struct {
	dynamicClient *dynamic.DynamicClient
	restMapper    meta.RESTMapper
}

func NewDynamicClient(config *rest.Config) (*DynamicClient, error) {
	client, err := dynamic.NewForConfig(config)
	if err != nil {
		return nil, err
	}
	discoveryClient, err := discovery.NewDiscoveryClientForConfig(config)
	if err != nil {
		return nil, err
	}
	restMapper := restmapper.NewDeferredDiscoveryRESTMapper(
		memory.NewMemCacheClient(discoveryClient),
	)
	return &DynamicClient{
		dynamicClient: client,
		restMapper:    restMapper,
	}, nil
}

// Get reads the current state of a resource. A missing resource is reported
// as a nil document without error.
func (client *DynamicClient) Get(
	ctx context.Context,
	id manifest.Identity,
) (*manifest.Document, error) {
	resourceInterface, err := client.resourceInterface(id.Group, id.Kind, id.Namespace, "")
	if err != nil {
		return nil, err
	}
	obj, err := resourceInterface.Get(ctx, id.Name, metav1.GetOptions{})
	if err != nil {
		if k8sErrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return fromUnstructured(obj)
}

func (client *DynamicClient) Create(ctx context.Context, doc manifest.Document) error {
	resourceInterface, err := client.resourceInterfaceFor(doc)
	if err != nil {
		return err
	}
	_, err = resourceInterface.Create(
		ctx,
		toUnstructured(doc),
		metav1.CreateOptions{FieldManager: ClientName},
	)
	return err
}

func (client *DynamicClient) Update(ctx context.Context, doc manifest.Document) error {
	resourceInterface, err := client.resourceInterfaceFor(doc)
	if err != nil {
		return err
	}
	current, err := resourceInterface.Get(ctx, doc.Name(), metav1.GetOptions{})
	if err != nil {
		return err
	}
	obj := toUnstructured(doc)
	obj.SetResourceVersion(current.GetResourceVersion())
	_, err = resourceInterface.Update(
		ctx,
		obj,
		metav1.UpdateOptions{FieldManager: ClientName},
	)
	return err
}

func (client *DynamicClient) Delete(ctx context.Context, id manifest.Identity) error {
	resourceInterface, err := client.resourceInterface(id.Group, id.Kind, id.Namespace, "")
	if err != nil {
		return err
	}
	return resourceInterface.Delete(ctx, id.Name, metav1.DeleteOptions{})
}

func (client *DynamicClient) resourceInterfaceFor(
	doc manifest.Document,
) (dynamic.ResourceInterface, error) {
	version := doc.APIVersion()
	if group := doc.Group(); group != "" {
		version = version[len(group)+1:]
	}
	return client.resourceInterface(doc.Group(), doc.Kind(), doc.Namespace(), version)
}

func (client *DynamicClient) resourceInterface(
	group string,
	kind string,
	namespace string,
	version string,
) (dynamic.ResourceInterface, error) {
	groupKind := schema.GroupKind{Group: group, Kind: kind}
	var mapping *meta.RESTMapping
	var err error
	if version != "" {
		mapping, err = client.restMapper.RESTMapping(groupKind, version)
	} else {
		mapping, err = client.restMapper.RESTMapping(groupKind)
	}
	if err != nil {
		return nil, err
	}
	if mapping.Scope.Name() == meta.RESTScopeNameNamespace {
		return client.dynamicClient.Resource(mapping.Resource).Namespace(namespace), nil
	}
	return client.dynamicClient.Resource(mapping.Resource), nil
}

func toUnstructured(doc manifest.Document) *unstructured.Unstructured {
	fields, _ := manifest.MappingValue(doc.Fields()).Interface().(map[string]any)
	return &unstructured.Unstructured{Object: fields}
}

func fromUnstructured(obj *unstructured.Unstructured) (*manifest.Document, error) {
	value, err := manifest.FromInterface(obj.Object)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", manifest.ErrMalformedDocument, err)
	}
	doc := manifest.NewDocument(value.Mapping())
	return &doc, nil
}
