package overlay

import (
	"fmt"

	"github.com/kharf/overlaycd/pkg/generator"
	"github.com/kharf/overlaycd/pkg/manifest"
	"github.com/kharf/overlaycd/pkg/patch"
)

// Render runs the layer pipeline base-first: insert resource documents,
// expand generators, apply patches. The result is the fully resolved
// manifest set with unique identities.
// Rendering is pure: identical input trees yield identical sets.
func Render(overlay *Overlay) (*manifest.Set, error) {
	set := manifest.NewSet()
	for _, layer := range overlay.Layers {
		for _, doc := range layer.Resources {
			if err := set.Insert(doc.DeepCopy()); err != nil {
				return nil, fmt.Errorf("%s: %w", layer.Path, err)
			}
		}
		generated, err := generator.Expand(layer.Generators)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", layer.Path, err)
		}
		if err := set.Insert(generated...); err != nil {
			return nil, fmt.Errorf("%s: %w", layer.Path, err)
		}
		if err := patch.Apply(set, layer.Patches); err != nil {
			return nil, fmt.Errorf("%s: %w", layer.Path, err)
		}
	}
	return set, nil
}
