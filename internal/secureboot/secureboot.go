// Package secureboot provisions boot key material and, when
// requested, binds encryption to the root partition. It sequences the
// external cryptography collaborator (generate, bind, verify) and
// produces opaque handles; raw key material never enters the data
// model.
package secureboot

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/josiahkernel/bootprep/internal/config"
	"github.com/josiahkernel/bootprep/internal/disk"
	"github.com/josiahkernel/bootprep/internal/hardware"
)

// ErrTPMUnavailable is returned when the configuration requires a TPM
// but the hardware profile reports none. Security is never silently
// downgraded.
var ErrTPMUnavailable = errors.New("TPM required by configuration but not present")

// Material holds references to the provisioned secrets. KeyHandle is
// a collaborator-defined locator (a key file path or key slot id),
// EncryptionHandle identifies the binding of the encryption key to the
// root partition and MapperDevice is the opened decrypted view of it;
// both are empty when encryption is disabled.
type Material struct {
	KeyHandle        string `json:"key_handle"`
	EncryptionHandle string `json:"encryption_handle,omitempty"`
	MapperDevice     string `json:"mapper_device,omitempty"`
	TPMBacked        bool   `json:"tpm_backed"`
}

// Binding identifies an encryption binding on a partition: the
// binding handle itself and the device-mapper node through which the
// decrypted partition is reachable.
type Binding struct {
	Handle       string
	MapperDevice string
}

// Crypto is the external cryptography collaborator.
type Crypto interface {
	// GenerateKeyPair creates or loads the boot key pair and returns
	// an opaque handle to it.
	GenerateKeyPair(ctx context.Context) (string, error)

	// BindEncryption binds an encryption key to the given partition
	// and opens the resulting container. The partition's previous
	// contents are destroyed.
	BindEncryption(ctx context.Context, ref disk.PartitionRef, keyHandle string) (Binding, error)

	// VerifyBinding checks that a previously created binding is
	// actually in effect on the partition and its mapping is open.
	VerifyBinding(ctx context.Context, ref disk.PartitionRef, binding Binding) error

	// ReadTPM reports the TPM the collaborator sees, used to
	// cross-check the hardware profile.
	ReadTPM(ctx context.Context) (hardware.TPMInfo, error)
}

// Provisioner sequences secure-boot provisioning.
type Provisioner struct {
	Crypto Crypto
}

func NewProvisioner(crypto Crypto) *Provisioner {
	return &Provisioner{Crypto: crypto}
}

// Provision returns nil Material when neither TPM backing nor
// encryption is requested. With UseTPM set it fails with
// ErrTPMUnavailable if the profile reports no TPM.
func (p *Provisioner) Provision(ctx context.Context, profile *hardware.Profile, layout *disk.PartitionLayout, cfg *config.KernelConfig) (*Material, error) {
	if !cfg.UseTPM && !cfg.EncryptRoot {
		logrus.Debug("secure boot provisioning not requested")
		return nil, nil
	}

	if cfg.UseTPM && !profile.TPM.Present {
		return nil, ErrTPMUnavailable
	}

	keyHandle, err := p.Crypto.GenerateKeyPair(ctx)
	if err != nil {
		return nil, fmt.Errorf("generating boot key pair: %w", err)
	}
	material := &Material{KeyHandle: keyHandle, TPMBacked: cfg.UseTPM}

	if cfg.EncryptRoot {
		binding, err := p.Crypto.BindEncryption(ctx, layout.Root, keyHandle)
		if err != nil {
			return nil, fmt.Errorf("binding encryption to %s: %w", layout.Root.Device, err)
		}
		if err := p.Crypto.VerifyBinding(ctx, layout.Root, binding); err != nil {
			return nil, fmt.Errorf("verifying encryption binding on %s: %w", layout.Root.Device, err)
		}
		material.EncryptionHandle = binding.Handle
		material.MapperDevice = binding.MapperDevice
	}

	logrus.WithFields(logrus.Fields{
		"tpm_backed": material.TPMBacked,
		"encrypted":  material.EncryptionHandle != "",
	}).Info("secure boot material provisioned")

	return material, nil
}
