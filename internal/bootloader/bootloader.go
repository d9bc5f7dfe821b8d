// Package bootloader writes the boot configuration for the target and
// drives the external bootloader collaborator. The UEFI variant
// produces a boot entry on the EFI system partition; the BIOS variant
// produces a legacy MBR-style loader configuration. After the
// collaborator reports success, every file the written configuration
// references is checked for existence before the install is declared
// good.
package bootloader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/josiahkernel/bootprep/internal/config"
	"github.com/josiahkernel/bootprep/internal/disk"
	"github.com/josiahkernel/bootprep/internal/initramfs"
	"github.com/josiahkernel/bootprep/internal/secureboot"
)

type Variant int

const (
	VariantUnknown Variant = iota
	VariantUEFI
	VariantBIOS
)

func (v Variant) String() string {
	switch v {
	case VariantUEFI:
		return "uefi"
	case VariantBIOS:
		return "bios"
	default:
		return "unknown"
	}
}

// InstallError distinguishes a failed install step from an install
// that succeeded but left a configuration referencing files that do
// not exist.
type InstallError struct {
	Variant       Variant
	Misconfigured bool
	Err           error
}

func (e *InstallError) Error() string {
	if e.Misconfigured {
		return fmt.Sprintf("%s bootloader installed but misconfigured: %v", e.Variant, e.Err)
	}
	return fmt.Sprintf("%s bootloader install failed: %v", e.Variant, e.Err)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

// UEFIEntryConfig is handed to the collaborator's UEFI install.
type UEFIEntryConfig struct {
	ESPDevice     string
	Title         string
	KernelPath    string
	InitramfsPath string
	RootUUID      string
}

// LegacyConfig is handed to the collaborator's BIOS install.
type LegacyConfig struct {
	Disk          string
	KernelPath    string
	InitramfsPath string
	RootUUID      string
}

// Loader is the external bootloader collaborator.
type Loader interface {
	InstallUEFIEntry(ctx context.Context, cfg UEFIEntryConfig) error
	InstallLegacyLoader(ctx context.Context, cfg LegacyConfig) error
}

// InstallResult records the chosen variant and the written entry.
type InstallResult struct {
	Variant    Variant `json:"variant"`
	EntryPath  string  `json:"entry_path"`
	KernelPath string  `json:"kernel_path"`
	ImagePath  string  `json:"image_path"`
}

// Installer selects the firmware-appropriate variant, writes the boot
// entry, delegates the binary installation, and validates the result.
type Installer struct {
	Loader Loader
	// EntryDir is where the boot entry configuration is written,
	// normally <target root>/boot/loader/entries.
	EntryDir string
}

func NewInstaller(loader Loader, entryDir string) *Installer {
	return &Installer{Loader: loader, EntryDir: entryDir}
}

// Install writes the boot entry and installs the bootloader. The
// variant follows the firmware interface the layout was located for:
// an EFI partition reference is present if and only if the machine is
// UEFI. material may be nil when secure boot provisioning was not
// requested.
func (i *Installer) Install(ctx context.Context, layout *disk.PartitionLayout, image *initramfs.Image, material *secureboot.Material, cfg *config.KernelConfig) (*InstallResult, error) {
	variant := VariantBIOS
	if layout.EFI != nil {
		variant = VariantUEFI
	}

	entryPath, err := i.writeEntry(variant, layout, image, material, cfg)
	if err != nil {
		return nil, &InstallError{Variant: variant, Err: err}
	}

	switch variant {
	case VariantUEFI:
		if layout.EFI == nil {
			return nil, &InstallError{Variant: variant, Err: fmt.Errorf("layout has no EFI partition")}
		}
		entry := UEFIEntryConfig{
			ESPDevice:     layout.EFI.Device,
			Title:         "bootprep",
			KernelPath:    cfg.KernelImage,
			InitramfsPath: image.Path,
			RootUUID:      layout.Root.UUID,
		}
		if err := i.Loader.InstallUEFIEntry(ctx, entry); err != nil {
			return nil, &InstallError{Variant: variant, Err: err}
		}
	default:
		if err := i.Loader.InstallLegacyLoader(ctx, LegacyConfig{
			Disk:          diskOfPartition(layout.Root.Device),
			KernelPath:    cfg.KernelImage,
			InitramfsPath: image.Path,
			RootUUID:      layout.Root.UUID,
		}); err != nil {
			return nil, &InstallError{Variant: variant, Err: err}
		}
	}

	result := &InstallResult{
		Variant:    variant,
		EntryPath:  entryPath,
		KernelPath: cfg.KernelImage,
		ImagePath:  image.Path,
	}
	if err := i.validate(result); err != nil {
		return nil, &InstallError{Variant: variant, Misconfigured: true, Err: err}
	}

	logrus.WithFields(logrus.Fields{
		"variant": variant,
		"entry":   entryPath,
	}).Info("bootloader installed and validated")

	return result, nil
}

// writeEntry writes a loader entry in the systemd-boot style; the
// collaborator may translate it into its own configuration format.
func (i *Installer) writeEntry(variant Variant, layout *disk.PartitionLayout, image *initramfs.Image, material *secureboot.Material, cfg *config.KernelConfig) (string, error) {
	if err := os.MkdirAll(i.EntryDir, 0755); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("title bootprep\n")
	fmt.Fprintf(&sb, "linux %s\n", cfg.KernelImage)
	fmt.Fprintf(&sb, "initrd %s\n", image.Path)
	options := fmt.Sprintf("root=UUID=%s", layout.Root.UUID)
	if material != nil && material.EncryptionHandle != "" {
		options += fmt.Sprintf(" rd.luks.uuid=%s", material.EncryptionHandle)
	}
	if variant == VariantBIOS {
		options += " nomodeset"
	}
	fmt.Fprintf(&sb, "options %s\n", options)

	entryPath := filepath.Join(i.EntryDir, "bootprep.conf")
	tmp, err := os.CreateTemp(i.EntryDir, ".bootprep-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if _, err := tmp.WriteString(sb.String()); err != nil {
		tmp.Close() //nolint:errcheck
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), entryPath); err != nil {
		return "", err
	}
	return entryPath, nil
}

// validate checks that everything the installed configuration points
// at actually exists on the target.
func (i *Installer) validate(result *InstallResult) error {
	for _, p := range []string{result.EntryPath, result.KernelPath, result.ImagePath} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("configuration references missing file %s: %w", p, err)
		}
	}
	return nil
}

// diskOfPartition strips the partition suffix from a device path,
// e.g. /dev/sda2 -> /dev/sda, /dev/nvme0n1p2 -> /dev/nvme0n1.
func diskOfPartition(device string) string {
	trimmed := strings.TrimRightFunc(device, func(r rune) bool { return r >= '0' && r <= '9' })
	return strings.TrimSuffix(trimmed, "p")
}
