package initramfs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josiahkernel/bootprep/internal/config"
	"github.com/josiahkernel/bootprep/internal/disk"
	"github.com/josiahkernel/bootprep/internal/drivers"
)

// hostFixture populates a fake host bin directory with the given
// binaries and returns a Builder searching only there.
func hostFixture(t *testing.T, binaries ...string) *Builder {
	binDir := filepath.Join(t.TempDir(), "bin")
	require.NoError(t, os.MkdirAll(binDir, 0755))
	for _, name := range binaries {
		require.NoError(t, os.WriteFile(filepath.Join(binDir, name), []byte("#!"+name), 0755))
	}
	b := NewBuilder(filepath.Join(t.TempDir(), "boot"))
	b.SearchPath = []string{binDir}
	return b
}

func testLayout() *disk.PartitionLayout {
	return &disk.PartitionLayout{
		Root: disk.PartitionRef{Device: "/dev/sda2", FsType: "ext4", UUID: "1111-2222"},
	}
}

func TestBuildIncludesMandatoryBinaries(t *testing.T) {
	cfg := config.Default()
	b := hostFixture(t, cfg.MandatoryBinaries...)

	image, err := b.Build(context.Background(), testLayout(), nil, cfg)
	require.NoError(t, err)

	for _, name := range cfg.MandatoryBinaries {
		assert.True(t, image.Contains(name), "archive should contain %s", name)
	}
	assert.True(t, image.Contains("init"))
	assert.NotEmpty(t, image.Checksum)
	assert.FileExists(t, image.Path)
}

func TestBuildIncludesStagedDrivers(t *testing.T) {
	cfg := config.Default()
	b := hostFixture(t, cfg.MandatoryBinaries...)

	staged := filepath.Join(t.TempDir(), "iwlwifi.pkg")
	require.NoError(t, os.WriteFile(staged, []byte("blob"), 0644))
	set := drivers.ResolvedDriverSet{
		"wifi": {Repository: "https://example.com/iwlwifi", Path: staged},
		"gpu":  {Reason: "hardware not present"},
	}

	image, err := b.Build(context.Background(), testLayout(), set, cfg)
	require.NoError(t, err)

	assert.Contains(t, image.Binaries, "lib/firmware/wifi/iwlwifi.pkg")
	// Absent categories contribute nothing.
	for _, b := range image.Binaries {
		assert.NotContains(t, b, "gpu")
	}
}

func TestBuildIsIdempotent(t *testing.T) {
	cfg := config.Default()
	b := hostFixture(t, cfg.MandatoryBinaries...)

	first, err := b.Build(context.Background(), testLayout(), nil, cfg)
	require.NoError(t, err)
	second, err := b.Build(context.Background(), testLayout(), nil, cfg)
	require.NoError(t, err)

	assert.Equal(t, first.Checksum, second.Checksum)
	assert.Equal(t, first.Path, second.Path)
}

func TestBuildMissingMandatoryBinary(t *testing.T) {
	cfg := config.Default()
	// busybox is deliberately absent from the host.
	b := hostFixture(t, "modprobe", "mount")

	_, err := b.Build(context.Background(), testLayout(), nil, cfg)
	var incomplete *IncompleteInitramfsError
	require.True(t, errors.As(err, &incomplete))
	assert.Equal(t, []string{"busybox"}, incomplete.Missing)
}

func TestBuildCanceledContext(t *testing.T) {
	cfg := config.Default()
	b := hostFixture(t, cfg.MandatoryBinaries...)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Build(ctx, testLayout(), nil, cfg)
	assert.ErrorIs(t, err, context.Canceled)

	// Nothing was written.
	_, statErr := os.Stat(filepath.Join(b.OutputDir, ImageName))
	assert.True(t, os.IsNotExist(statErr))
}

func TestInitScript(t *testing.T) {
	script := initScript(testLayout())
	assert.Contains(t, script, "#!/bin/busybox sh")
	assert.Contains(t, script, "mount -t proc proc /proc")
	assert.Contains(t, script, "root=UUID=1111-2222")
	assert.Contains(t, script, "exec /sbin/init")
}
