// Package config holds the kernel orchestration configuration: the
// caller-supplied, read-only record that every pipeline stage consumes.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so TOML files can use strings like
// "90s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Unwrap() time.Duration {
	return time.Duration(d)
}

// DriverRepo maps a hardware description to a repository locator. The
// Match field is a glob matched against the detected vendor and model
// string of the category's hardware; an empty Match matches anything.
type DriverRepo struct {
	Match   string `toml:"match"`
	Locator string `toml:"locator"`
}

// KernelConfig is the orchestration configuration record. It is
// treated as read-only input for the entire pipeline run.
type KernelConfig struct {
	// FirmwareOverride forces "uefi" or "bios" when detection is
	// inconclusive. Empty means auto-detect only.
	FirmwareOverride string `toml:"firmware_override"`

	UseTPM      bool `toml:"use_tpm"`
	EncryptRoot bool `toml:"encrypt_root"`

	// AllowVirtualized permits mutating stages to run inside WSL or a
	// hypervisor, which is normally refused.
	AllowVirtualized bool `toml:"allow_virtualized"`

	// DriverRepos maps a hardware category (gpu, wifi, firmware) to
	// candidate repositories, tried in order.
	DriverRepos map[string][]DriverRepo `toml:"driver_repos"`

	// MandatoryBinaries must all end up in the initramfs or the build
	// fails.
	MandatoryBinaries []string `toml:"mandatory_binaries"`

	// KernelImage is the kernel the bootloader entry points at.
	KernelImage string `toml:"kernel_image"`

	// StateDir holds run logs, key material handles, and staged
	// driver packages.
	StateDir string `toml:"state_dir"`

	// TargetRoot is where the target's root filesystem is (or will
	// be) mounted during installation.
	TargetRoot string `toml:"target_root"`

	// DelegateTimeout bounds every external collaborator call (fetch,
	// crypto, bootloader invocation).
	DelegateTimeout Duration `toml:"delegate_timeout"`
}

// Default returns the stock configuration, mirroring the driver
// repositories and recovery binaries the appliance images ship with.
func Default() *KernelConfig {
	return &KernelConfig{
		DriverRepos: map[string][]DriverRepo{
			"gpu": {
				{Match: "intel*", Locator: "https://firmware.intel.com/gpu"},
				{Match: "*", Locator: "https://packages.debian.org/mesa"},
			},
			"wifi": {
				{Match: "intel*", Locator: "https://firmware.intel.com/iwlwifi"},
				{Match: "broadcom*", Locator: "https://packages.debian.org/broadcom-sta"},
				{Match: "realtek*", Locator: "https://github.com/lwfinger/rtlwifi_new"},
			},
			"firmware": {
				{Match: "*", Locator: "https://git.kernel.org/pub/scm/linux/kernel/git/firmware/linux-firmware.git"},
			},
		},
		MandatoryBinaries: []string{"busybox", "modprobe", "mount"},
		KernelImage:       "/boot/vmlinuz",
		StateDir:          "/var/lib/bootprep",
		TargetRoot:        "/mnt/target",
		DelegateTimeout:   Duration(2 * time.Minute),
	}
}

// Load reads a TOML configuration file on top of the defaults.
func Load(path string) (*KernelConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	meta, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown configuration keys: %v", undecoded)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks constraints that cannot be expressed in the TOML
// schema itself.
func (c *KernelConfig) Validate() error {
	switch c.FirmwareOverride {
	case "", "uefi", "bios":
	default:
		return fmt.Errorf("firmware_override must be \"uefi\" or \"bios\", got %q", c.FirmwareOverride)
	}
	if len(c.MandatoryBinaries) == 0 {
		return fmt.Errorf("mandatory_binaries must not be empty")
	}
	if c.DelegateTimeout <= 0 {
		return fmt.Errorf("delegate_timeout must be positive")
	}
	return nil
}
