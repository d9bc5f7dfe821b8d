// Package disk locates the EFI system partition and the root
// partition on the target machine and models the resulting layout.
// It never formats or creates partitions itself; that is delegated to
// the Partitioner collaborator.
package disk

import (
	"context"
	"errors"
)

// PartitionRef identifies one partition on the target.
type PartitionRef struct {
	// Device node path, e.g. /dev/sda1.
	Device    string `json:"device"`
	FsType    string `json:"fs_type,omitempty"`
	Label     string `json:"label,omitempty"`
	UUID      string `json:"uuid,omitempty"`
	PartType  string `json:"part_type,omitempty"`
	SizeBytes uint64 `json:"size_bytes,omitempty"`
}

// PartitionLayout is the located boot layout. EFI is present if and
// only if the machine uses the UEFI firmware interface; Root is always
// present.
type PartitionLayout struct {
	EFI  *PartitionRef `json:"efi,omitempty"`
	Root PartitionRef  `json:"root"`
}

// ErrMissingEfiPartition is returned when the firmware interface is
// UEFI but no EFI system partition exists on any disk. Creating one is
// the partitioning collaborator's job, never done implicitly.
var ErrMissingEfiPartition = errors.New("no EFI system partition found")

// ErrNoRootCandidate is returned when no partition qualifies as a root
// filesystem.
var ErrNoRootCandidate = errors.New("no root partition candidate found")

// Scanner enumerates existing partitions. The default implementation
// shells out to blkid; tests substitute a fixture scanner.
type Scanner interface {
	Scan(ctx context.Context) ([]PartitionRef, error)
}

// PartitionSpec describes a partition to be created by the
// partitioning collaborator.
type PartitionSpec struct {
	Disk      string
	SizeBytes uint64
	TypeGUID  string
	Label     string
}

// Partitioner is the external partitioning and filesystem
// collaborator. The locator never calls it; callers that decide to
// create a missing partition do so explicitly.
type Partitioner interface {
	CreatePartition(ctx context.Context, spec PartitionSpec) (PartitionRef, error)
	FormatPartition(ctx context.Context, ref PartitionRef, fsType string) error
	Mount(ctx context.Context, ref PartitionRef, path string) error
	Unmount(ctx context.Context, path string) error
}
