package hardware

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Profiler reads hardware information from procfs, sysfs, and /dev.
// The roots are configurable so tests can point it at fixture trees.
type Profiler struct {
	ProcRoot string
	SysRoot  string
	DevRoot  string

	// FirmwareOverride is consulted only when the firmware interface
	// cannot be read from sysfs.
	FirmwareOverride FirmwareInterface

	// USBProbeLimit bounds concurrent USB device reads. Zero means 4.
	USBProbeLimit int
}

// NewProfiler returns a Profiler reading from the live system.
func NewProfiler() *Profiler {
	return &Profiler{
		ProcRoot: "/proc",
		SysRoot:  "/sys",
		DevRoot:  "/dev",
	}
}

// Detect takes a hardware snapshot. Storage and the firmware interface
// are mandatory; failure to read either returns a *DetectionError (or
// ErrAmbiguousBootMode for an undecidable boot mode). All other
// signals degrade to their absent value.
func (p *Profiler) Detect(ctx context.Context) (*Profile, error) {
	profile := &Profile{}

	profile.CPU = p.detectCPU()
	profile.MemoryBytes = p.detectMemory()
	profile.Virtualized = p.detectVirtualized()
	profile.Network, profile.Wireless = p.detectNetwork()
	profile.TPM = p.detectTPM()
	profile.GPU = p.detectGPU()

	firmware, err := p.detectFirmware()
	if err != nil {
		return nil, err
	}
	profile.Firmware = firmware

	storage, err := p.detectStorage(ctx)
	if err != nil {
		return nil, &DetectionError{Signal: "storage devices", Err: err}
	}
	if len(storage) == 0 {
		return nil, &DetectionError{Signal: "storage devices", Err: os.ErrNotExist}
	}
	profile.Storage = storage

	usb, err := p.detectUSB(ctx)
	if err != nil {
		logrus.WithError(err).Warn("USB enumeration failed, continuing without USB inventory")
	} else {
		profile.USB = usb
	}

	logrus.WithFields(logrus.Fields{
		"firmware": profile.Firmware,
		"storage":  len(profile.Storage),
		"tpm":      profile.TPM.Present,
	}).Info("hardware detection complete")

	return profile, nil
}

func (p *Profiler) detectFirmware() (FirmwareInterface, error) {
	efiDir := filepath.Join(p.SysRoot, "firmware", "efi")
	if fi, err := os.Stat(efiDir); err == nil && fi.IsDir() {
		return FirmwareUEFI, nil
	} else if os.IsNotExist(err) {
		if _, err := os.Stat(filepath.Join(p.SysRoot, "firmware")); err == nil {
			// The firmware directory is readable but has no efi
			// entry, so the machine booted in legacy mode.
			return FirmwareBIOS, nil
		}
	}
	// sysfs is inconclusive; a mounted efivars filesystem is an
	// independent sign of a UEFI boot.
	if mounts, err := os.ReadFile(filepath.Join(p.ProcRoot, "mounts")); err == nil {
		if strings.Contains(string(mounts), " efivarfs ") {
			return FirmwareUEFI, nil
		}
	}
	if p.FirmwareOverride != FirmwareUnknown {
		logrus.WithField("firmware", p.FirmwareOverride).Warn("firmware interface not detectable, using configured override")
		return p.FirmwareOverride, nil
	}
	return FirmwareUnknown, ErrAmbiguousBootMode
}

func (p *Profiler) detectCPU() CPU {
	cpu := CPU{Arch: unameArch(), Model: "unknown"}

	data, err := os.ReadFile(filepath.Join(p.ProcRoot, "cpuinfo"))
	if err != nil {
		return cpu
	}
	for _, line := range strings.Split(string(data), "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "model name":
			if cpu.Model == "unknown" {
				cpu.Model = value
			}
		case "flags", "Features":
			if cpu.Flags == nil {
				cpu.Flags = strings.Fields(value)
			}
		}
	}
	return cpu
}

func unameArch() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "unknown"
	}
	return unix.ByteSliceToString(uts.Machine[:])
}

func (p *Profiler) detectMemory() uint64 {
	data, err := os.ReadFile(filepath.Join(p.ProcRoot, "meminfo"))
	if err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if !strings.HasPrefix(line, "MemTotal:") {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				if kb, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
					return kb * 1024
				}
			}
		}
	}
	// procfs unreadable; ask the kernel directly.
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err == nil {
		return uint64(info.Totalram) * uint64(info.Unit)
	}
	return 0
}

func (p *Profiler) detectVirtualized() bool {
	data, err := os.ReadFile(filepath.Join(p.ProcRoot, "version"))
	if err == nil {
		version := strings.ToLower(string(data))
		if strings.Contains(version, "microsoft") || strings.Contains(version, "wsl") {
			return true
		}
	}
	vendor, err := os.ReadFile(filepath.Join(p.SysRoot, "class", "dmi", "id", "sys_vendor"))
	if err != nil {
		return false
	}
	switch strings.TrimSpace(string(vendor)) {
	case "QEMU", "VMware, Inc.", "innotek GmbH", "Microsoft Corporation", "Xen":
		return true
	}
	return false
}

func (p *Profiler) detectStorage(ctx context.Context) ([]StorageDevice, error) {
	blockDir := filepath.Join(p.SysRoot, "block")
	entries, err := os.ReadDir(blockDir)
	if err != nil {
		return nil, err
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(4)
	results := make([]*StorageDevice, len(entries))
	for i, entry := range entries {
		name := entry.Name()
		// Skip virtual devices (loop, ram, zram, device-mapper): they
		// have no physical device link.
		devDir := filepath.Join(blockDir, name)
		if _, err := os.Stat(filepath.Join(devDir, "device")); err != nil {
			continue
		}
		i := i
		g.Go(func() error {
			dev := p.readBlockDevice(devDir, name)
			results[i] = &dev
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var devices []StorageDevice
	for _, dev := range results {
		if dev != nil {
			devices = append(devices, *dev)
		}
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Path < devices[j].Path })
	return devices, nil
}

func (p *Profiler) readBlockDevice(devDir, name string) StorageDevice {
	dev := StorageDevice{Path: filepath.Join(p.DevRoot, name)}
	if size, err := readUintFile(filepath.Join(devDir, "size")); err == nil {
		dev.SizeBytes = size * 512
	} else {
		dev.SizeBytes = blockDeviceSize(dev.Path)
	}
	if rot, err := readUintFile(filepath.Join(devDir, "queue", "rotational")); err == nil {
		dev.Rotational = rot == 1
	}
	if rem, err := readUintFile(filepath.Join(devDir, "removable")); err == nil {
		dev.Removable = rem == 1
	}
	if model, err := os.ReadFile(filepath.Join(devDir, "device", "model")); err == nil {
		dev.Model = strings.TrimSpace(string(model))
	}
	dev.Bus = busFromDeviceLink(devDir)
	return dev
}

// busFromDeviceLink classifies a block device by the subsystem names
// appearing in its resolved sysfs device path.
func busFromDeviceLink(devDir string) string {
	target, err := filepath.EvalSymlinks(filepath.Join(devDir, "device"))
	if err != nil {
		return ""
	}
	switch {
	case strings.Contains(target, "/usb"):
		return "usb"
	case strings.Contains(target, "/nvme"):
		return "nvme"
	case strings.Contains(target, "/ata"):
		return "ata"
	case strings.Contains(target, "/virtio"):
		return "virtio"
	case strings.Contains(target, "/mmc"):
		return "mmc"
	}
	return ""
}

func (p *Profiler) detectGPU() *GPU {
	pciDir := filepath.Join(p.SysRoot, "bus", "pci", "devices")
	entries, err := os.ReadDir(pciDir)
	if err != nil {
		return nil
	}
	for _, entry := range entries {
		devDir := filepath.Join(pciDir, entry.Name())
		class, err := os.ReadFile(filepath.Join(devDir, "class"))
		if err != nil {
			continue
		}
		// 0x03xxxx is the PCI display controller class.
		if !strings.HasPrefix(strings.TrimSpace(string(class)), "0x03") {
			continue
		}
		vendorID, err := os.ReadFile(filepath.Join(devDir, "vendor"))
		if err != nil {
			continue
		}
		gpu := &GPU{Vendor: pciVendorName(strings.TrimSpace(string(vendorID)))}
		if device, err := os.ReadFile(filepath.Join(devDir, "device")); err == nil {
			gpu.Model = strings.TrimSpace(string(device))
		}
		if label, err := os.ReadFile(filepath.Join(devDir, "label")); err == nil {
			gpu.Model = strings.TrimSpace(string(label))
		}
		return gpu
	}
	return nil
}

func pciVendorName(id string) string {
	switch id {
	case "0x8086":
		return "intel"
	case "0x10de":
		return "nvidia"
	case "0x1002":
		return "amd"
	case "0x15ad":
		return "vmware"
	case "0x1af4":
		return "virtio"
	}
	return id
}

func (p *Profiler) detectNetwork() ([]string, *NIC) {
	netDir := filepath.Join(p.SysRoot, "class", "net")
	entries, err := os.ReadDir(netDir)
	if err != nil {
		return nil, nil
	}
	var active []string
	var wireless *NIC
	for _, entry := range entries {
		name := entry.Name()
		if name == "lo" {
			continue
		}
		ifaceDir := filepath.Join(netDir, name)
		if state, err := os.ReadFile(filepath.Join(ifaceDir, "operstate")); err == nil {
			if strings.TrimSpace(string(state)) == "up" {
				active = append(active, name)
			}
		}
		if wireless != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(ifaceDir, "wireless")); err != nil {
			continue
		}
		nic := &NIC{Name: name}
		if vendor, err := os.ReadFile(filepath.Join(ifaceDir, "device", "vendor")); err == nil {
			nic.Vendor = pciVendorName(strings.TrimSpace(string(vendor)))
		}
		if device, err := os.ReadFile(filepath.Join(ifaceDir, "device", "device")); err == nil {
			nic.Model = strings.TrimSpace(string(device))
		}
		wireless = nic
	}
	sort.Strings(active)
	return active, wireless
}

func (p *Profiler) detectTPM() TPMInfo {
	tpmDir := filepath.Join(p.SysRoot, "class", "tpm", "tpm0")
	if _, err := os.Stat(tpmDir); err == nil {
		info := TPMInfo{Present: true}
		if major, err := os.ReadFile(filepath.Join(tpmDir, "tpm_version_major")); err == nil {
			info.Version = strings.TrimSpace(string(major)) + ".0"
		} else {
			info.Version = "1.2"
		}
		return info
	}
	if _, err := os.Stat(filepath.Join(p.DevRoot, "tpm0")); err == nil {
		return TPMInfo{Present: true, Version: "1.2"}
	}
	return TPMInfo{}
}

func (p *Profiler) detectUSB(ctx context.Context) ([]USBDevice, error) {
	usbDir := filepath.Join(p.SysRoot, "bus", "usb", "devices")
	entries, err := os.ReadDir(usbDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	limit := p.USBProbeLimit
	if limit <= 0 {
		limit = 4
	}
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	results := make([]*USBDevice, len(entries))
	for i, entry := range entries {
		devDir := filepath.Join(usbDir, entry.Name())
		i := i
		g.Go(func() error {
			vendor, err := os.ReadFile(filepath.Join(devDir, "idVendor"))
			if err != nil {
				// Interface nodes have no idVendor; skip them.
				return nil
			}
			product, err := os.ReadFile(filepath.Join(devDir, "idProduct"))
			if err != nil {
				return nil
			}
			dev := &USBDevice{
				VendorID:  strings.TrimSpace(string(vendor)),
				ProductID: strings.TrimSpace(string(product)),
			}
			if desc, err := os.ReadFile(filepath.Join(devDir, "product")); err == nil {
				dev.Description = strings.TrimSpace(string(desc))
			}
			results[i] = dev
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var devices []USBDevice
	for _, dev := range results {
		if dev != nil {
			devices = append(devices, *dev)
		}
	}
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].VendorID != devices[j].VendorID {
			return devices[i].VendorID < devices[j].VendorID
		}
		return devices[i].ProductID < devices[j].ProductID
	})
	return devices, nil
}

func readUintFile(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}
