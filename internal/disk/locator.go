package disk

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/josiahkernel/bootprep/internal/config"
	"github.com/josiahkernel/bootprep/internal/hardware"
)

// espTypeGUID is the GPT partition type of an EFI system partition.
const espTypeGUID = "c12a7328-f81f-11d2-ba4b-00a0c93ec93b"

// rootFsTypes are filesystems accepted as a root partition.
var rootFsTypes = map[string]bool{
	"ext4":  true,
	"xfs":   true,
	"btrfs": true,
}

// Locator finds the EFI and root partitions among the partitions the
// Scanner reports.
type Locator struct {
	Scanner Scanner
}

func NewLocator(scanner Scanner) *Locator {
	return &Locator{Scanner: scanner}
}

// Locate scans for an EFI system partition (UEFI machines only) and a
// root partition. When several root candidates exist the largest one
// wins, with ties broken by the lowest device path; the choice is
// returned as audit notes for the orchestration log.
func (l *Locator) Locate(ctx context.Context, profile *hardware.Profile, cfg *config.KernelConfig) (*PartitionLayout, []string, error) {
	refs, err := l.Scanner.Scan(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("scanning partitions: %w", err)
	}

	var notes []string
	layout := &PartitionLayout{}

	if profile.Firmware == hardware.FirmwareUEFI {
		esp := findESP(refs)
		if esp == nil {
			return nil, nil, ErrMissingEfiPartition
		}
		layout.EFI = esp
		notes = append(notes, fmt.Sprintf("EFI system partition: %s (%s)", esp.Device, esp.FsType))
	}

	root, candidates := pickRoot(refs)
	if root == nil {
		return nil, nil, ErrNoRootCandidate
	}
	layout.Root = *root
	if len(candidates) > 1 {
		notes = append(notes, fmt.Sprintf("root partition: selected %s (%d bytes) from %d candidates %v",
			root.Device, root.SizeBytes, len(candidates), candidates))
	} else {
		notes = append(notes, fmt.Sprintf("root partition: %s", root.Device))
	}

	logrus.WithFields(logrus.Fields{
		"root": layout.Root.Device,
		"efi":  efiDevice(layout),
	}).Info("partition layout located")

	return layout, notes, nil
}

func efiDevice(layout *PartitionLayout) string {
	if layout.EFI == nil {
		return ""
	}
	return layout.EFI.Device
}

// findESP returns the EFI system partition, identified by its GPT
// type GUID, an EFI label, or a vfat filesystem labeled for boot.
func findESP(refs []PartitionRef) *PartitionRef {
	var candidates []PartitionRef
	for _, ref := range refs {
		switch {
		case ref.PartType == espTypeGUID:
			candidates = append(candidates, ref)
		case ref.Label == "EFI" && ref.FsType == "vfat":
			candidates = append(candidates, ref)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Device < candidates[j].Device })
	return &candidates[0]
}

// pickRoot deterministically selects the root partition: an explicit
// ROOT label wins outright, otherwise the largest partition carrying a
// recognized root filesystem, ties broken by lowest device path.
func pickRoot(refs []PartitionRef) (*PartitionRef, []string) {
	var candidates []PartitionRef
	for _, ref := range refs {
		if ref.Label == "ROOT" && rootFsTypes[ref.FsType] {
			r := ref
			return &r, []string{ref.Device}
		}
		if rootFsTypes[ref.FsType] {
			candidates = append(candidates, ref)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].SizeBytes != candidates[j].SizeBytes {
			return candidates[i].SizeBytes > candidates[j].SizeBytes
		}
		return candidates[i].Device < candidates[j].Device
	})
	devices := make([]string, len(candidates))
	for i, c := range candidates {
		devices[i] = c.Device
	}
	return &candidates[0], devices
}
