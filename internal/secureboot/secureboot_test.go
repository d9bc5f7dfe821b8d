package secureboot

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
	"github.com/josiahkernel/bootprep/internal/hardware"
)

type fakeCrypto struct {
	calls []string

	generateErr error
	bindErr     error
	verifyErr   error
}

func (f *fakeCrypto) GenerateKeyPair(ctx context.Context) (string, error) {
	f.calls = append(f.calls, "generate")
	if f.generateErr != nil {
		return "", f.generateErr
	}
	return "key-1", nil
}

func (f *fakeCrypto) BindEncryption(ctx context.Context, ref disk.PartitionRef, keyHandle string) (Binding, error) {
	f.calls = append(f.calls, "bind")
	if f.bindErr != nil {
		return Binding{}, f.bindErr
	}
	return Binding{Handle: "luks-uuid-1", MapperDevice: "/dev/mapper/bootprep-root"}, nil
}

func (f *fakeCrypto) VerifyBinding(ctx context.Context, ref disk.PartitionRef, binding Binding) error {
	f.calls = append(f.calls, "verify")
	return f.verifyErr
}

func (f *fakeCrypto) ReadTPM(ctx context.Context) (hardware.TPMInfo, error) {
	return hardware.TPMInfo{Present: true, Version: "2.0"}, nil
}

func testLayout() *disk.PartitionLayout {
	return &disk.PartitionLayout{
		Root: disk.PartitionRef{Device: "/dev/sda2", UUID: "aaaa"},
	}
}

func TestProvisionNotRequested(t *testing.T) {
	crypto := &fakeCrypto{}
	p := NewProvisioner(crypto)
	cfg := config.Default()

	material, err := p.Provision(context.Background(), &hardware.Profile{}, testLayout(), cfg)
	require.NoError(t, err)
	assert.Nil(t, material)
	// Not even the key pair is touched when nothing was asked for.
	assert.Empty(t, crypto.calls)
}

func TestProvisionTPMRequiredButAbsent(t *testing.T) {
	crypto := &fakeCrypto{}
	p := NewProvisioner(crypto)
	cfg := config.Default()
	cfg.UseTPM = true

	material, err := p.Provision(context.Background(), &hardware.Profile{}, testLayout(), cfg)
	assert.ErrorIs(t, err, ErrTPMUnavailable)
	assert.Nil(t, material)
	assert.Empty(t, crypto.calls)
}

func TestProvisionTPMBacked(t *testing.T) {
	crypto := &fakeCrypto{}
	p := NewProvisioner(crypto)
	cfg := config.Default()
	cfg.UseTPM = true
	profile := &hardware.Profile{TPM: hardware.TPMInfo{Present: true, Version: "2.0"}}

	material, err := p.Provision(context.Background(), profile, testLayout(), cfg)
	require.NoError(t, err)

	assert.Equal(t, "key-1", material.KeyHandle)
	assert.True(t, material.TPMBacked)
	assert.Empty(t, material.EncryptionHandle)
	assert.Equal(t, []string{"generate"}, crypto.calls)
}

func TestProvisionEncryptionSequence(t *testing.T) {
	crypto := &fakeCrypto{}
	p := NewProvisioner(crypto)
	cfg := config.Default()
	cfg.EncryptRoot = true

	material, err := p.Provision(context.Background(), &hardware.Profile{}, testLayout(), cfg)
	require.NoError(t, err)

	assert.Equal(t, "luks-uuid-1", material.EncryptionHandle)
	// The opened mapping is surfaced so later stages can create and
	// mount the filesystem inside the container.
	assert.Equal(t, "/dev/mapper/bootprep-root", material.MapperDevice)
	assert.False(t, material.TPMBacked)
	// The binding must be verified after it is created.
	assert.Equal(t, []string{"generate", "bind", "verify"}, crypto.calls)
}

func TestProvisionVerifyFailure(t *testing.T) {
	verifyErr := errors.New("binding not in effect")
	crypto := &fakeCrypto{verifyErr: verifyErr}
	p := NewProvisioner(crypto)
	cfg := config.Default()
	cfg.EncryptRoot = true

	material, err := p.Provision(context.Background(), &hardware.Profile{}, testLayout(), cfg)
	assert.ErrorIs(t, err, verifyErr)
	assert.Nil(t, material)
}

func TestProvisionBindFailure(t *testing.T) {
	bindErr := errors.New("cryptsetup failed")
	crypto := &fakeCrypto{bindErr: bindErr}
	p := NewProvisioner(crypto)
	cfg := config.Default()
	cfg.EncryptRoot = true

	_, err := p.Provision(context.Background(), &hardware.Profile{}, testLayout(), cfg)
	assert.ErrorIs(t, err, bindErr)
	assert.Equal(t, []string{"generate", "bind"}, crypto.calls)
}

func TestLocalCryptoKeyPairIsStable(t *testing.T) {
	dir := t.TempDir()
	crypto := NewLocalCrypto(dir)

	handle, err := crypto.GenerateKeyPair(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "boot_key.pem"), handle)

	first, err := os.ReadFile(handle)
	require.NoError(t, err)
	assert.Contains(t, string(first), "PRIVATE KEY")

	// A second call loads the existing key instead of regenerating.
	again, err := crypto.GenerateKeyPair(context.Background())
	require.NoError(t, err)
	assert.Equal(t, handle, again)

	second, err := os.ReadFile(handle)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
