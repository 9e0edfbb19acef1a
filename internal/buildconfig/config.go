// Package buildconfig loads the builder options file: where images are
// staged and emitted, which codec to use, and what first-boot defaults go
// into the tree. Device recipes live in the device registry, not here.
package buildconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/osbuild/raw-image-builder/internal/imgcompress"
)

// Config carries the driver options for a build run.
type Config struct {
	// WorkDir holds the raw image and staging mount trees while building.
	WorkDir string `json:"workdir" toml:"workdir"`
	// OutputDir receives the final artifacts and checksum files.
	OutputDir string `json:"output" toml:"output"`
	// SourceDir is the expanded distribution tree rsynced into the image.
	SourceDir string `json:"source" toml:"source"`
	// Compression is none, xz or zstd.
	Compression string `json:"compression" toml:"compression"`
	// KeepImageOnFailure leaves the partial raw image in the workdir when
	// a build fails, for inspection.
	KeepImageOnFailure bool `json:"keep_image_on_failure" toml:"keep_image_on_failure"`
	// User and Password configure the default user created in the tree;
	// empty User skips user creation.
	User     string `json:"user" toml:"user"`
	Password string `json:"password" toml:"password"`
	// Locale written to etc/locale.conf.
	Locale string `json:"locale" toml:"locale"`
	// VariantDefDirs are searched for variants.yaml definition files.
	VariantDefDirs []string `json:"variant_defs" toml:"variant_defs"`
	// Timeout bounds one build, in seconds; 0 disables the limit.
	Timeout int `json:"timeout" toml:"timeout"`
}

// configRootDir is only overriden in tests
var configRootDir = "/"

func defaults() *Config {
	return &Config{
		WorkDir:     "/var/tmp/raw-image-builder",
		OutputDir:   ".",
		Compression: string(imgcompress.Zstd),
		Locale:      "en_US.UTF-8",
	}
}

func decodeJSON(r io.Reader, what string) (*Config, error) {
	content, err := io.ReadAll(r)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("cannot read %q: %w", what, err)
	}
	dec := json.NewDecoder(bytes.NewBuffer(content))
	dec.DisallowUnknownFields()

	conf := defaults()
	if err := dec.Decode(conf); err != nil {
		return nil, fmt.Errorf("cannot decode %q: %w", what, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("multiple configuration objects or extra data found in %q", what)
	}
	return conf, nil
}

func decodeTOML(r io.Reader, what string) (*Config, error) {
	dec := toml.NewDecoder(r)

	conf := defaults()
	metadata, err := dec.Decode(conf)
	if err != nil {
		return nil, fmt.Errorf("cannot decode %q: %w", what, err)
	}
	if len(metadata.Undecoded()) > 0 {
		return nil, fmt.Errorf("cannot decode %q: unknown keys found: %v", what, metadata.Undecoded())
	}
	return conf, nil
}

var osStdin = os.Stdin

func loadConfig(path string) (*Config, error) {
	var fp *os.File
	var err error

	if path == "-" {
		fp = osStdin
	} else {
		fp, err = os.Open(path)
		if err != nil {
			return nil, err
		}
		// nolint:errcheck
		defer fp.Close()
	}

	switch {
	case path == "-", filepath.Ext(path) == ".json":
		return decodeJSON(fp, path)
	case filepath.Ext(path) == ".toml":
		return decodeTOML(fp, path)
	default:
		return nil, fmt.Errorf("unsupported file extension for %q", path)
	}
}

// ReadWithFallback loads the explicit config when given, otherwise the
// first of config.toml/config.json under the root, otherwise defaults.
func ReadWithFallback(userConfig string) (*Config, error) {
	if userConfig != "" {
		return loadConfig(userConfig)
	}

	var foundConfig string
	for _, dflConfigFile := range []string{"config.toml", "config.json"} {
		cnfPath := filepath.Join(configRootDir, dflConfigFile)
		if _, err := os.Stat(cnfPath); err == nil {
			if foundConfig != "" {
				return nil, fmt.Errorf("found %q and also %q, only a single one is supported", dflConfigFile, filepath.Base(foundConfig))
			}
			foundConfig = cnfPath
		}
	}
	if foundConfig == "" {
		return defaults(), nil
	}
	return loadConfig(foundConfig)
}

// Codec parses the configured compression codec.
func (c *Config) Codec() (imgcompress.Codec, error) {
	return imgcompress.ParseCodec(c.Compression)
}
