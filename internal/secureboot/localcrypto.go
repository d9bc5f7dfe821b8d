package secureboot

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/josiahkernel/bootprep/internal/disk"
	"github.com/josiahkernel/bootprep/internal/hardware"
)

// LocalCrypto is the default cryptography collaborator: an ECDSA
// P-256 boot key persisted under KeyDir, LUKS encryption bindings via
// cryptsetup, and TPM information read from /dev and sysfs.
type LocalCrypto struct {
	KeyDir  string
	SysRoot string
	DevRoot string
}

func NewLocalCrypto(keyDir string) *LocalCrypto {
	return &LocalCrypto{KeyDir: keyDir, SysRoot: "/sys", DevRoot: "/dev"}
}

const bootKeyFile = "boot_key.pem"

// GenerateKeyPair loads the boot key if one exists, otherwise
// generates a fresh P-256 key and persists it. The returned handle is
// the key file path.
func (c *LocalCrypto) GenerateKeyPair(ctx context.Context) (string, error) {
	keyPath := filepath.Join(c.KeyDir, bootKeyFile)
	if _, err := os.Stat(keyPath); err == nil {
		logrus.WithField("path", keyPath).Debug("reusing existing boot key")
		return keyPath, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", err
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(c.KeyDir, 0700); err != nil {
		return "", err
	}

	// Write-then-rename so a crash never leaves a truncated key.
	tmp, err := os.CreateTemp(c.KeyDir, ".boot_key-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if err := pem.Encode(tmp, &pem.Block{Type: "PRIVATE KEY", Bytes: der}); err != nil {
		tmp.Close() //nolint:errcheck
		return "", err
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close() //nolint:errcheck
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), keyPath); err != nil {
		return "", err
	}
	logrus.WithField("path", keyPath).Info("generated boot key pair")
	return keyPath, nil
}

const luksMapperName = "bootprep-root"

// BindEncryption formats the partition as a LUKS2 container keyed by
// the boot key file and opens it, so the decrypted device is
// available for filesystem creation and mounting. This destroys
// existing data on the partition; the orchestrator treats it as a
// mutating operation.
func (c *LocalCrypto) BindEncryption(ctx context.Context, ref disk.PartitionRef, keyHandle string) (Binding, error) {
	out, err := exec.CommandContext(ctx, "cryptsetup", "luksFormat", "--batch-mode", "--type", "luks2", ref.Device, keyHandle).CombinedOutput()
	if err != nil {
		return Binding{}, fmt.Errorf("cryptsetup luksFormat %s: %w: %s", ref.Device, err, strings.TrimSpace(string(out)))
	}
	uuid, err := exec.CommandContext(ctx, "cryptsetup", "luksUUID", ref.Device).Output()
	if err != nil {
		return Binding{}, fmt.Errorf("cryptsetup luksUUID %s: %w", ref.Device, err)
	}
	if out, err := exec.CommandContext(ctx, "cryptsetup", "open", "--key-file", keyHandle, ref.Device, luksMapperName).CombinedOutput(); err != nil {
		// A mapping left open by an earlier run is reused.
		if statusErr := exec.CommandContext(ctx, "cryptsetup", "status", luksMapperName).Run(); statusErr != nil {
			return Binding{}, fmt.Errorf("cryptsetup open %s: %w: %s", ref.Device, err, strings.TrimSpace(string(out)))
		}
	}
	return Binding{
		Handle:       strings.TrimSpace(string(uuid)),
		MapperDevice: filepath.Join(c.DevRoot, "mapper", luksMapperName),
	}, nil
}

// VerifyBinding checks the partition is a LUKS container whose UUID
// matches the binding handle and that the decrypted mapping is open.
func (c *LocalCrypto) VerifyBinding(ctx context.Context, ref disk.PartitionRef, binding Binding) error {
	if err := exec.CommandContext(ctx, "cryptsetup", "isLuks", ref.Device).Run(); err != nil {
		return fmt.Errorf("%s is not a LUKS container: %w", ref.Device, err)
	}
	uuid, err := exec.CommandContext(ctx, "cryptsetup", "luksUUID", ref.Device).Output()
	if err != nil {
		return fmt.Errorf("cryptsetup luksUUID %s: %w", ref.Device, err)
	}
	if got := strings.TrimSpace(string(uuid)); got != binding.Handle {
		return fmt.Errorf("binding mismatch on %s: have %s, want %s", ref.Device, got, binding.Handle)
	}
	if _, err := os.Stat(binding.MapperDevice); err != nil {
		return fmt.Errorf("encryption mapping %s is not open: %w", binding.MapperDevice, err)
	}
	return nil
}

func (c *LocalCrypto) ReadTPM(ctx context.Context) (hardware.TPMInfo, error) {
	tpmDir := filepath.Join(c.SysRoot, "class", "tpm", "tpm0")
	if _, err := os.Stat(tpmDir); err == nil {
		info := hardware.TPMInfo{Present: true, Version: "1.2"}
		if major, err := os.ReadFile(filepath.Join(tpmDir, "tpm_version_major")); err == nil {
			info.Version = strings.TrimSpace(string(major)) + ".0"
		}
		return info, nil
	}
	if _, err := os.Stat(filepath.Join(c.DevRoot, "tpm0")); err == nil {
		return hardware.TPMInfo{Present: true, Version: "1.2"}, nil
	}
	return hardware.TPMInfo{}, nil
}
