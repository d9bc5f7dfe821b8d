package disk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/shlex"
	"github.com/sirupsen/logrus"
)

// BlkidScanner enumerates partitions from sysfs and probes each one
// with blkid in low-level mode. Only low-level probing reports the
// GPT partition type; the cache mode never emits PART_ENTRY_TYPE.
// Partition sizes come from sysfs.
type BlkidScanner struct {
	SysRoot string
	DevRoot string

	// probe runs blkid against one device; tests substitute canned
	// output.
	probe func(ctx context.Context, device string) (string, error)
}

func NewBlkidScanner() *BlkidScanner {
	return &BlkidScanner{SysRoot: "/sys", DevRoot: "/dev"}
}

func (s *BlkidScanner) Scan(ctx context.Context) ([]PartitionRef, error) {
	names, err := s.listPartitions()
	if err != nil {
		return nil, fmt.Errorf("listing partitions: %w", err)
	}

	probe := s.probe
	if probe == nil {
		probe = probeBlkid
	}

	var refs []PartitionRef
	for _, name := range names {
		device := filepath.Join(s.DevRoot, name)
		out, err := probe(ctx, device)
		if err != nil {
			if errors.Is(err, exec.ErrNotFound) {
				return nil, fmt.Errorf("running blkid: %w", err)
			}
			// blkid exits non-zero for partitions it cannot identify.
			logrus.WithField("device", device).WithError(err).Debug("blkid probe failed, skipping partition")
			continue
		}
		line := strings.TrimSpace(out)
		if line == "" {
			continue
		}
		ref, err := parseBlkidLine(line)
		if err != nil {
			logrus.WithField("line", line).WithError(err).Debug("skipping unparseable blkid output")
			continue
		}
		ref.SizeBytes = s.partitionSize(ref.Device)
		refs = append(refs, ref)
	}
	return refs, nil
}

// listPartitions returns the partition device names under
// /sys/class/block, identified by their "partition" attribute. Whole
// disks and virtual devices carry no such attribute.
func (s *BlkidScanner) listPartitions() ([]string, error) {
	blockDir := filepath.Join(s.SysRoot, "class", "block")
	entries, err := os.ReadDir(blockDir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if _, err := os.Stat(filepath.Join(blockDir, name, "partition")); err != nil {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

func probeBlkid(ctx context.Context, device string) (string, error) {
	out, err := exec.CommandContext(ctx, "blkid", "-p", "-o", "full", device).Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// parseBlkidLine parses one line of blkid probe output, e.g.
//
//	/dev/sda1: UUID="..." TYPE="vfat" PART_ENTRY_TYPE="c12a7328-..."
func parseBlkidLine(line string) (PartitionRef, error) {
	device, rest, found := strings.Cut(line, ":")
	if !found {
		return PartitionRef{}, fmt.Errorf("no device separator in %q", line)
	}
	// shlex strips the quoting around values.
	elements, err := shlex.Split(rest)
	if err != nil {
		return PartitionRef{}, err
	}

	ref := PartitionRef{Device: device}
	for _, e := range elements {
		k, v, found := strings.Cut(e, "=")
		if !found {
			continue
		}
		switch strings.ToUpper(k) {
		case "TYPE":
			ref.FsType = v
		case "LABEL", "PARTLABEL":
			if ref.Label == "" {
				ref.Label = v
			}
		case "UUID":
			ref.UUID = v
		case "PART_ENTRY_TYPE":
			ref.PartType = strings.ToLower(v)
		}
	}
	return ref, nil
}

func (s *BlkidScanner) partitionSize(device string) uint64 {
	name := filepath.Base(device)
	data, err := os.ReadFile(filepath.Join(s.SysRoot, "class", "block", name, "size"))
	if err != nil {
		return 0
	}
	var sectors uint64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &sectors); err != nil {
		return 0
	}
	return sectors * 512
}
