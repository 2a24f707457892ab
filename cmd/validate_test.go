package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"firestige.xyz/magicreboot/internal/core"
	"firestige.xyz/magicreboot/internal/secret"
)

func useConfigFile(t *testing.T, content string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	old := configFile
	configFile = path
	t.Cleanup(func() { configFile = old })
}

func validateFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("validate", pflag.ContinueOnError)
	addValidateFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestRunValidate(t *testing.T) {
	keyPath := writeKey(t, testKey)
	useConfigFile(t, `
magic-reboot:
  port: 1999
  key:
    path: `+keyPath+`
`)

	var buf bytes.Buffer
	require.NoError(t, runValidate(validateFlags(t, "--dry-run"), &buf))

	out := buf.String()
	s, err := secret.FromBytes(testKey, true)
	require.NoError(t, err)
	assert.Contains(t, out, "fingerprint "+s.Fingerprint())
	assert.Contains(t, out, "port 1999, mode dryrun")

	// The YAML part round-trips into the same root layout.
	var doc map[string]map[string]any
	yamlPart, _, _ := bytes.Cut(buf.Bytes(), []byte("VALID:"))
	require.NoError(t, yaml.Unmarshal(yamlPart, &doc))
	assert.Equal(t, 1999, doc["magic-reboot"]["port"])
	assert.Equal(t, "dryrun", doc["magic-reboot"]["mode"])
}

func TestRunValidate_FlagOverridesFile(t *testing.T) {
	useConfigFile(t, "magic-reboot:\n  port: 1999\n")

	var buf bytes.Buffer
	err := runValidate(validateFlags(t, "--key", writeKey(t, testKey), "--port", "4242"), &buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "port 4242, mode enforce")
}

func TestRunValidate_Errors(t *testing.T) {
	t.Run("invalid port", func(t *testing.T) {
		useConfigFile(t, "magic-reboot:\n  port: 70000\n")
		err := runValidate(validateFlags(t, "--key", writeKey(t, testKey)), &bytes.Buffer{})
		assert.ErrorIs(t, err, core.ErrConfigInvalid)
	})

	t.Run("short key", func(t *testing.T) {
		useConfigFile(t, "magic-reboot: {}\n")
		err := runValidate(validateFlags(t, "--key", writeKey(t, testKey[:32])), &bytes.Buffer{})
		assert.ErrorIs(t, err, core.ErrKeySizeTooSmall)
	})

	t.Run("long key in strict mode", func(t *testing.T) {
		useConfigFile(t, "magic-reboot: {}\n")
		long := append(bytes.Clone(testKey), 1, 2, 3)
		err := runValidate(validateFlags(t, "--key", writeKey(t, long), "--strict-key"), &bytes.Buffer{})
		assert.ErrorIs(t, err, core.ErrKeySizeTooLarge)
	})

	t.Run("missing key", func(t *testing.T) {
		useConfigFile(t, "magic-reboot: {}\n")
		err := runValidate(validateFlags(t, "--key", filepath.Join(t.TempDir(), "absent")), &bytes.Buffer{})
		assert.ErrorIs(t, err, core.ErrKeyUnreadable)
	})
}
