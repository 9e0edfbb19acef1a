package buildconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/raw-image-builder/internal/imgcompress"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "config.toml", `
workdir = "/var/tmp/rib"
output = "/srv/images"
source = "/srv/dist/base"
compression = "xz"
keep_image_on_failure = true
user = "aosc"
password = "anthon"
`)
	cfg, err := ReadWithFallback(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/images", cfg.OutputDir)
	assert.Equal(t, "/srv/dist/base", cfg.SourceDir)
	assert.True(t, cfg.KeepImageOnFailure)
	assert.Equal(t, "aosc", cfg.User)
	// defaults survive for keys the file does not set
	assert.Equal(t, "en_US.UTF-8", cfg.Locale)

	codec, err := cfg.Codec()
	require.NoError(t, err)
	assert.Equal(t, imgcompress.Xz, codec)
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{"output": "/srv/images", "compression": "none"}`)
	cfg, err := ReadWithFallback(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/images", cfg.OutputDir)

	codec, err := cfg.Codec()
	require.NoError(t, err)
	assert.Equal(t, imgcompress.None, codec)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	for _, tc := range []struct{ name, content string }{
		{"config.toml", "outptu = \"/typo\"\n"},
		{"config.json", `{"outptu": "/typo"}`},
	} {
		path := writeFile(t, tc.name, tc.content)
		_, err := ReadWithFallback(path)
		assert.Error(t, err, tc.name)
	}
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	path := writeFile(t, "config.yaml", "output: /srv\n")
	_, err := ReadWithFallback(path)
	assert.Error(t, err)
}

func TestFallbackDefaults(t *testing.T) {
	origRoot := configRootDir
	t.Cleanup(func() { configRootDir = origRoot })
	configRootDir = t.TempDir()

	cfg, err := ReadWithFallback("")
	require.NoError(t, err)
	assert.Equal(t, string(imgcompress.Zstd), cfg.Compression)
	assert.False(t, cfg.KeepImageOnFailure)
}

func TestFallbackFindsDefaultConfig(t *testing.T) {
	origRoot := configRootDir
	t.Cleanup(func() { configRootDir = origRoot })
	configRootDir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(configRootDir, "config.toml"), []byte("output = \"/found\"\n"), 0o644))

	cfg, err := ReadWithFallback("")
	require.NoError(t, err)
	assert.Equal(t, "/found", cfg.OutputDir)
}

func TestFallbackRejectsAmbiguousConfigs(t *testing.T) {
	origRoot := configRootDir
	t.Cleanup(func() { configRootDir = origRoot })
	configRootDir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(configRootDir, "config.toml"), []byte(""), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(configRootDir, "config.json"), []byte("{}"), 0o644))

	_, err := ReadWithFallback("")
	assert.Error(t, err)
}
