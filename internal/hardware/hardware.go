// Package hardware inspects the host for the boot-relevant hardware
// inventory: CPU, memory, storage, GPU, USB, TPM, and the firmware
// interface the machine booted with. The resulting Profile is an
// immutable snapshot consumed by every later provisioning stage.
package hardware

import (
	"encoding/json"
	"fmt"
)

type FirmwareInterface int

const (
	FirmwareUnknown FirmwareInterface = iota
	FirmwareBIOS
	FirmwareUEFI
)

func firmwareMapping() []string {
	return []string{"unknown", "bios", "uefi"}
}

func (f FirmwareInterface) String() string {
	return firmwareMapping()[int(f)]
}

// ParseFirmwareInterface converts "uefi" or "bios" into a
// FirmwareInterface. The empty string maps to FirmwareUnknown.
func ParseFirmwareInterface(s string) (FirmwareInterface, error) {
	for n, str := range firmwareMapping() {
		if str == s {
			return FirmwareInterface(n), nil
		}
	}
	if s == "" {
		return FirmwareUnknown, nil
	}
	return FirmwareUnknown, fmt.Errorf("invalid firmware interface %q", s)
}

func (f FirmwareInterface) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

func (f *FirmwareInterface) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParseFirmwareInterface(s)
	if err != nil {
		return err
	}
	*f = v
	return nil
}

type CPU struct {
	Arch  string   `json:"arch"`
	Model string   `json:"model"`
	Flags []string `json:"flags,omitempty"`
}

type StorageDevice struct {
	// Device node path, e.g. /dev/sda.
	Path       string `json:"path"`
	SizeBytes  uint64 `json:"size_bytes"`
	Bus        string `json:"bus,omitempty"`
	Model      string `json:"model,omitempty"`
	Rotational bool   `json:"rotational"`
	Removable  bool   `json:"removable"`
}

type GPU struct {
	Vendor string `json:"vendor"`
	Model  string `json:"model"`
}

// NIC describes a network controller; Wireless chipsets drive the
// wifi driver lookup.
type NIC struct {
	Name   string `json:"name"`
	Vendor string `json:"vendor,omitempty"`
	Model  string `json:"model,omitempty"`
}

type USBDevice struct {
	VendorID    string `json:"vendor_id"`
	ProductID   string `json:"product_id"`
	Description string `json:"description,omitempty"`
}

type TPMInfo struct {
	Present bool   `json:"present"`
	Version string `json:"version,omitempty"`
}

// Profile is the immutable hardware snapshot taken at the start of an
// orchestration run. Optional signals that could not be read are left
// at their zero value; mandatory signals (storage, firmware interface)
// fail detection instead.
type Profile struct {
	CPU         CPU               `json:"cpu"`
	MemoryBytes uint64            `json:"memory_bytes"`
	Storage     []StorageDevice   `json:"storage"`
	GPU         *GPU              `json:"gpu,omitempty"`
	Wireless    *NIC              `json:"wireless,omitempty"`
	Network     []string          `json:"network,omitempty"`
	USB         []USBDevice       `json:"usb,omitempty"`
	TPM         TPMInfo           `json:"tpm"`
	Firmware    FirmwareInterface `json:"firmware"`
	// Virtualized is set when the kernel reports a WSL or hypervisor
	// environment. Mutating stages refuse to run in that case unless
	// explicitly allowed.
	Virtualized bool `json:"virtualized,omitempty"`
}
