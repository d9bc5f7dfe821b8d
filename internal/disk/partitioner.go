package disk

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// ExecPartitioner implements Partitioner by shelling out to sgdisk,
// mkfs, and mount. Every call runs under the caller's context so
// delegate timeouts apply.
type ExecPartitioner struct{}

func (ExecPartitioner) CreatePartition(ctx context.Context, spec PartitionSpec) (PartitionRef, error) {
	size := fmt.Sprintf("+%dM", spec.SizeBytes/(1024*1024))
	args := []string{"-n", "0:0:" + size}
	if spec.TypeGUID != "" {
		args = append(args, "-t", "0:"+spec.TypeGUID)
	}
	if spec.Label != "" {
		args = append(args, "-c", "0:"+spec.Label)
	}
	args = append(args, spec.Disk)

	logrus.WithFields(logrus.Fields{"disk": spec.Disk, "size": size}).Info("creating partition")
	if out, err := exec.CommandContext(ctx, "sgdisk", args...).CombinedOutput(); err != nil {
		return PartitionRef{}, fmt.Errorf("sgdisk on %s: %w: %s", spec.Disk, err, strings.TrimSpace(string(out)))
	}

	// The new partition is the last one on the disk.
	out, err := exec.CommandContext(ctx, "sgdisk", "-p", spec.Disk).Output()
	if err != nil {
		return PartitionRef{}, fmt.Errorf("reading partition table of %s: %w", spec.Disk, err)
	}
	num := lastPartitionNumber(string(out))
	if num == "" {
		return PartitionRef{}, fmt.Errorf("created partition not found on %s", spec.Disk)
	}
	return PartitionRef{
		Device:    partitionDevice(spec.Disk, num),
		Label:     spec.Label,
		PartType:  strings.ToLower(spec.TypeGUID),
		SizeBytes: spec.SizeBytes,
	}, nil
}

func (ExecPartitioner) FormatPartition(ctx context.Context, ref PartitionRef, fsType string) error {
	var cmd *exec.Cmd
	switch fsType {
	case "vfat":
		cmd = exec.CommandContext(ctx, "mkfs.vfat", ref.Device)
	case "ext4":
		cmd = exec.CommandContext(ctx, "mkfs.ext4", "-F", ref.Device)
	case "xfs", "btrfs":
		cmd = exec.CommandContext(ctx, "mkfs."+fsType, "-f", ref.Device)
	default:
		return fmt.Errorf("unsupported filesystem type %q", fsType)
	}
	logrus.WithFields(logrus.Fields{"device": ref.Device, "fs": fsType}).Info("formatting partition")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("mkfs.%s on %s: %w: %s", fsType, ref.Device, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (ExecPartitioner) Mount(ctx context.Context, ref PartitionRef, path string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return err
	}
	if out, err := exec.CommandContext(ctx, "mount", ref.Device, path).CombinedOutput(); err != nil {
		return fmt.Errorf("mounting %s on %s: %w: %s", ref.Device, path, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (ExecPartitioner) Unmount(ctx context.Context, path string) error {
	if out, err := exec.CommandContext(ctx, "umount", path).CombinedOutput(); err != nil {
		return fmt.Errorf("unmounting %s: %w: %s", path, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// lastPartitionNumber extracts the highest partition number from
// `sgdisk -p` output.
func lastPartitionNumber(out string) string {
	var last string
	inTable := false
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 && fields[0] == "Number" {
			inTable = true
			continue
		}
		if inTable && len(fields) > 0 {
			last = fields[0]
		}
	}
	return last
}

// partitionDevice joins a disk path and a partition number, inserting
// the "p" separator NVMe and mmc device names require.
func partitionDevice(disk, num string) string {
	if strings.ContainsAny(disk[len(disk)-1:], "0123456789") {
		return disk + "p" + num
	}
	return disk + num
}
