package hardware

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixture builds a minimal /proc + /sys + /dev tree for the profiler.
type fixture struct {
	t    *testing.T
	proc string
	sys  string
	dev  string
}

func newFixture(t *testing.T) *fixture {
	root := t.TempDir()
	f := &fixture{
		t:    t,
		proc: filepath.Join(root, "proc"),
		sys:  filepath.Join(root, "sys"),
		dev:  filepath.Join(root, "dev"),
	}
	for _, dir := range []string{f.proc, f.sys, f.dev} {
		require.NoError(t, os.MkdirAll(dir, 0755))
	}
	return f
}

func (f *fixture) write(rel, content string) {
	path := filepath.Join(rel)
	require.NoError(f.t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(f.t, os.WriteFile(path, []byte(content), 0644))
}

func (f *fixture) mkdir(rel string) {
	require.NoError(f.t, os.MkdirAll(rel, 0755))
}

func (f *fixture) profiler() *Profiler {
	return &Profiler{ProcRoot: f.proc, SysRoot: f.sys, DevRoot: f.dev}
}

func (f *fixture) addDisk(name, sectors string) {
	blockDir := filepath.Join(f.sys, "block", name)
	f.write(filepath.Join(blockDir, "size"), sectors+"\n")
	f.write(filepath.Join(blockDir, "queue", "rotational"), "0\n")
	f.write(filepath.Join(blockDir, "removable"), "0\n")
	f.mkdir(filepath.Join(blockDir, "device"))
	f.write(filepath.Join(blockDir, "device", "model"), "TESTDISK\n")
}

func (f *fixture) addBaseline() {
	f.write(filepath.Join(f.proc, "cpuinfo"), "model name\t: Test CPU @ 2.4GHz\nflags\t\t: fpu vmx sse2\n")
	f.write(filepath.Join(f.proc, "meminfo"), "MemTotal:        8388608 kB\n")
	f.write(filepath.Join(f.proc, "version"), "Linux version 6.1.0 (gcc)\n")
	f.addDisk("sda", "20971520")
}

func TestDetectUEFI(t *testing.T) {
	f := newFixture(t)
	f.addBaseline()
	f.mkdir(filepath.Join(f.sys, "firmware", "efi"))

	profile, err := f.profiler().Detect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, FirmwareUEFI, profile.Firmware)
	assert.Equal(t, "Test CPU @ 2.4GHz", profile.CPU.Model)
	assert.Equal(t, uint64(8388608*1024), profile.MemoryBytes)
	require.Len(t, profile.Storage, 1)
	assert.Equal(t, filepath.Join(f.dev, "sda"), profile.Storage[0].Path)
	assert.Equal(t, uint64(20971520*512), profile.Storage[0].SizeBytes)
	assert.Equal(t, "TESTDISK", profile.Storage[0].Model)
	assert.False(t, profile.Virtualized)
}

func TestDetectBIOS(t *testing.T) {
	f := newFixture(t)
	f.addBaseline()
	// A firmware directory without an efi entry means legacy boot.
	f.mkdir(filepath.Join(f.sys, "firmware"))

	profile, err := f.profiler().Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FirmwareBIOS, profile.Firmware)
}

func TestDetectEfivarsFallback(t *testing.T) {
	f := newFixture(t)
	f.addBaseline()
	f.write(filepath.Join(f.proc, "mounts"), "efivarfs /sys/firmware/efi/efivars efivarfs rw 0 0\n")

	profile, err := f.profiler().Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FirmwareUEFI, profile.Firmware)
}

func TestDetectAmbiguousBootMode(t *testing.T) {
	f := newFixture(t)
	f.addBaseline()

	_, err := f.profiler().Detect(context.Background())
	assert.ErrorIs(t, err, ErrAmbiguousBootMode)

	// With an override the same host detects fine.
	p := f.profiler()
	p.FirmwareOverride = FirmwareBIOS
	profile, err := p.Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FirmwareBIOS, profile.Firmware)
}

func TestDetectNoStorageFails(t *testing.T) {
	f := newFixture(t)
	f.write(filepath.Join(f.proc, "cpuinfo"), "model name\t: Test CPU\n")
	f.write(filepath.Join(f.proc, "meminfo"), "MemTotal: 1024 kB\n")
	f.mkdir(filepath.Join(f.sys, "firmware", "efi"))

	_, err := f.profiler().Detect(context.Background())
	var detErr *DetectionError
	require.True(t, errors.As(err, &detErr))
	assert.Equal(t, "storage devices", detErr.Signal)
}

func TestDetectOptionalSignalsDegrade(t *testing.T) {
	f := newFixture(t)
	f.addBaseline()
	f.mkdir(filepath.Join(f.sys, "firmware", "efi"))

	profile, err := f.profiler().Detect(context.Background())
	require.NoError(t, err)

	// No GPU, USB, TPM, or network fixtures: all degrade to absent.
	assert.Nil(t, profile.GPU)
	assert.Empty(t, profile.USB)
	assert.False(t, profile.TPM.Present)
	assert.Empty(t, profile.Network)
}

func TestDetectTPM(t *testing.T) {
	f := newFixture(t)
	f.addBaseline()
	f.mkdir(filepath.Join(f.sys, "firmware", "efi"))
	f.write(filepath.Join(f.sys, "class", "tpm", "tpm0", "tpm_version_major"), "2\n")

	profile, err := f.profiler().Detect(context.Background())
	require.NoError(t, err)
	assert.True(t, profile.TPM.Present)
	assert.Equal(t, "2.0", profile.TPM.Version)
}

func TestDetectGPUAndUSB(t *testing.T) {
	f := newFixture(t)
	f.addBaseline()
	f.mkdir(filepath.Join(f.sys, "firmware", "efi"))

	pci := filepath.Join(f.sys, "bus", "pci", "devices", "0000:00:02.0")
	f.write(filepath.Join(pci, "class"), "0x030000\n")
	f.write(filepath.Join(pci, "vendor"), "0x8086\n")
	f.write(filepath.Join(pci, "device"), "0x5916\n")

	usb := filepath.Join(f.sys, "bus", "usb", "devices", "1-1")
	f.write(filepath.Join(usb, "idVendor"), "046d\n")
	f.write(filepath.Join(usb, "idProduct"), "c52b\n")
	f.write(filepath.Join(usb, "product"), "USB Receiver\n")

	profile, err := f.profiler().Detect(context.Background())
	require.NoError(t, err)

	require.NotNil(t, profile.GPU)
	assert.Equal(t, "intel", profile.GPU.Vendor)
	require.Len(t, profile.USB, 1)
	assert.Equal(t, "046d", profile.USB[0].VendorID)
	assert.Equal(t, "USB Receiver", profile.USB[0].Description)
}

func TestDetectVirtualized(t *testing.T) {
	f := newFixture(t)
	f.addBaseline()
	f.mkdir(filepath.Join(f.sys, "firmware", "efi"))
	f.write(filepath.Join(f.proc, "version"), "Linux version 5.15.0-microsoft-standard-WSL2\n")

	profile, err := f.profiler().Detect(context.Background())
	require.NoError(t, err)
	assert.True(t, profile.Virtualized)
}

func TestParseFirmwareInterface(t *testing.T) {
	cases := []struct {
		input   string
		want    FirmwareInterface
		wantErr bool
	}{
		{"uefi", FirmwareUEFI, false},
		{"bios", FirmwareBIOS, false},
		{"", FirmwareUnknown, false},
		{"openfirmware", FirmwareUnknown, true},
	}
	for _, c := range cases {
		got, err := ParseFirmwareInterface(c.input)
		if c.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, c.want, got)
	}
}
