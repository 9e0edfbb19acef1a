// Package variantdef loads per-variant definition files: extra information
// about a distribution variant that cannot be derived from the device specs,
// currently the additional package set installed for the variant.
package variantdef

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.yaml.in/yaml/v3"
	"golang.org/x/exp/maps"

	"github.com/osbuild/raw-image-builder/internal/devicespec"
)

// VariantDef describes one distribution variant.
type VariantDef struct {
	// Packages installed on top of the base distribution for this variant;
	// exported to hooks together with the device's BSP packages.
	Packages []string `yaml:"packages"`
}

func loadFile(defDirs []string) ([]byte, string, error) {
	for _, loc := range defDirs {
		p := filepath.Join(loc, "variants.yaml")
		content, err := os.ReadFile(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("could not read variant def file %s: %v", p, err)
		}
		return content, p, nil
	}
	return nil, "", nil
}

// Load reads the variant definition for v from the first variants.yaml
// found in defDirs. A missing file is not an error; variants without a
// definition simply carry no extra packages.
func Load(defDirs []string, v devicespec.Variant) (*VariantDef, error) {
	data, path, err := loadFile(defDirs)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return &VariantDef{}, nil
	}

	var defs map[string]VariantDef
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("could not unmarshal %s: %v", path, err)
	}

	d, ok := defs[string(v)]
	if !ok {
		return nil, fmt.Errorf("no definition for variant %s in %s, available: %s",
			v, path, strings.Join(maps.Keys(defs), ", "))
	}
	return &d, nil
}
