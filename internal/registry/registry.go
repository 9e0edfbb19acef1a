// Package registry loads the device registry: a directory tree holding one
// device.toml per device directory, organized by vendor.
package registry

import (
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/osbuild/raw-image-builder/internal/builderr"
	"github.com/osbuild/raw-image-builder/internal/devicespec"
)

// ConflictError reports a duplicate device id or alias between two specs.
type ConflictError struct {
	Name     string
	Path     string
	Occupant string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("device name %q in %s is already used by %s", e.Name, e.Path, e.Occupant)
}

// Registry is an immutable mapping of device ids and aliases to specs. Load
// it once and pass it explicitly into the driver.
type Registry struct {
	devices []*devicespec.DeviceSpec
	byName  map[string]*devicespec.DeviceSpec
}

// Scan walks dir, loading every file named device.toml. Duplicate ids or
// aliases across the tree are a RegistryConflictError.
func Scan(dir string) (*Registry, error) {
	r := &Registry{byName: make(map[string]*devicespec.DeviceSpec)}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != "device.toml" {
			return nil
		}
		spec, err := devicespec.Load(path)
		if err != nil {
			return err
		}
		logrus.Debugf("registry: parsed %q (%s)", spec.ID, path)
		return r.add(spec)
	})
	if err != nil {
		return nil, err
	}
	logrus.Infof("registry: %d names for %d devices", len(r.byName), len(r.devices))
	return r, nil
}

func (r *Registry) add(spec *devicespec.DeviceSpec) error {
	names := append([]string{spec.ID}, spec.Aliases...)
	for _, name := range names {
		if occupant, ok := r.byName[name]; ok {
			return builderr.New(builderr.KindRegistryConflict, &ConflictError{
				Name:     name,
				Path:     spec.Path,
				Occupant: fmt.Sprintf("%q (%s)", occupant.ID, occupant.Path),
			})
		}
	}
	r.devices = append(r.devices, spec)
	for _, name := range names {
		r.byName[name] = spec
	}
	return nil
}

// Get resolves a device by id or alias.
func (r *Registry) Get(name string) (*devicespec.DeviceSpec, error) {
	spec, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("no device with id or alias %q in the registry", name)
	}
	return spec, nil
}

// All returns the devices sorted by id.
func (r *Registry) All() []*devicespec.DeviceSpec {
	devices := slices.Clone(r.devices)
	slices.SortFunc(devices, func(a, b *devicespec.DeviceSpec) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return devices
}

// Len returns the number of devices (not names) in the registry.
func (r *Registry) Len() int {
	return len(r.devices)
}

// ValidateAll runs spec validation over every device, reporting all failing
// devices rather than stopping at the first.
func (r *Registry) ValidateAll() error {
	var errs []error
	for _, d := range r.All() {
		if err := d.Validate(); err != nil {
			logrus.Errorf("FAIL: %s (%s)", d.ID, d.Path)
			errs = append(errs, err)
			continue
		}
		logrus.Debugf("PASS: %s (%s)", d.ID, d.Path)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d device spec(s) failed validation: %w", len(errs), errs[0])
	}
	return nil
}
