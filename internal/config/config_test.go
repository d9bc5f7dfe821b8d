package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "bootprep.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, []string{"busybox", "modprobe", "mount"}, cfg.MandatoryBinaries)
	assert.NotEmpty(t, cfg.DriverRepos["gpu"])
	assert.NotEmpty(t, cfg.DriverRepos["wifi"])
	assert.NotEmpty(t, cfg.DriverRepos["firmware"])
	assert.Equal(t, 2*time.Minute, cfg.DelegateTimeout.Unwrap())
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
firmware_override = "uefi"
use_tpm = true
encrypt_root = true
mandatory_binaries = ["busybox", "modprobe", "mount", "cryptsetup"]
delegate_timeout = "90s"

[[driver_repos.wifi]]
match = "atheros*"
locator = "https://example.com/ath10k"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "uefi", cfg.FirmwareOverride)
	assert.True(t, cfg.UseTPM)
	assert.True(t, cfg.EncryptRoot)
	assert.Equal(t, 90*time.Second, cfg.DelegateTimeout.Unwrap())
	assert.Contains(t, cfg.MandatoryBinaries, "cryptsetup")

	// A configured table replaces the default repository list for that
	// category; the other categories keep their defaults.
	require.Len(t, cfg.DriverRepos["wifi"], 1)
	assert.Equal(t, "https://example.com/ath10k", cfg.DriverRepos["wifi"][0].Locator)
	assert.NotEmpty(t, cfg.DriverRepos["gpu"])
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "no-such.toml"))
	assert.True(t, os.IsNotExist(err))
}

func TestLoadUnknownKey(t *testing.T) {
	path := writeConfig(t, `no_such_option = true`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown configuration keys")
}

func TestLoadBadFirmwareOverride(t *testing.T) {
	path := writeConfig(t, `firmware_override = "coreboot"`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadBadDuration(t *testing.T) {
	path := writeConfig(t, `delegate_timeout = "soon"`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.MandatoryBinaries = nil
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.DelegateTimeout = 0
	assert.Error(t, cfg.Validate())
}
