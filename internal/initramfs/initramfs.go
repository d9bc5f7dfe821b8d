// Package initramfs assembles the early-boot archive: the mandatory
// recovery binaries, the staged driver packages, and a generated init
// script, packed as a gzip-compressed newc cpio image. After writing,
// the archive manifest is re-read and checked against the mandatory
// binary list; an incomplete initramfs would otherwise surface only
// as a boot-time failure far away from its cause.
package initramfs

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/u-root/u-root/pkg/cpio"
	"golang.org/x/sys/unix"

	"github.com/josiahkernel/bootprep/internal/config"
	"github.com/josiahkernel/bootprep/internal/disk"
	"github.com/josiahkernel/bootprep/internal/drivers"
)

// ImageName is the file name of the built archive.
const ImageName = "initrd.img"

// Image is the built initramfs artifact.
type Image struct {
	// Path of the archive on the (mounted) target.
	Path string `json:"path"`
	// Binaries lists the archive paths of all included entries.
	Binaries []string `json:"binaries"`
	// Checksum is the SHA-256 of the archive file, hex-encoded.
	Checksum string `json:"checksum"`
}

// Contains reports whether the image includes an entry whose base
// name matches name.
func (img *Image) Contains(name string) bool {
	for _, b := range img.Binaries {
		if path.Base(b) == name {
			return true
		}
	}
	return false
}

// IncompleteInitramfsError reports mandatory binaries missing from the
// built archive.
type IncompleteInitramfsError struct {
	Path    string
	Missing []string
}

func (e *IncompleteInitramfsError) Error() string {
	return fmt.Sprintf("initramfs %s is missing mandatory binaries: %s", e.Path, strings.Join(e.Missing, ", "))
}

// Builder assembles initramfs images.
type Builder struct {
	// OutputDir is the boot directory the image is written into.
	OutputDir string
	// SearchPath lists host directories searched for the mandatory
	// binaries.
	SearchPath []string
}

func NewBuilder(outputDir string) *Builder {
	return &Builder{
		OutputDir:  outputDir,
		SearchPath: []string{"/bin", "/sbin", "/usr/bin", "/usr/sbin"},
	}
}

// Build assembles the archive and verifies it. Rebuilding with
// identical inputs produces a byte-identical image: record order is
// fixed, metadata is normalized, and the final rename atomically
// replaces any previous image.
func (b *Builder) Build(ctx context.Context, layout *disk.PartitionLayout, driverSet drivers.ResolvedDriverSet, cfg *config.KernelConfig) (*Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	records, err := b.collectRecords(layout, driverSet, cfg)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(b.OutputDir, 0755); err != nil {
		return nil, err
	}
	dest := filepath.Join(b.OutputDir, ImageName)
	if err := writeArchive(dest, records); err != nil {
		return nil, fmt.Errorf("writing initramfs: %w", err)
	}

	image := &Image{Path: dest}
	for _, r := range records {
		if r.Info.Mode&unix.S_IFMT == unix.S_IFREG {
			image.Binaries = append(image.Binaries, r.Info.Name)
		}
	}

	sum, err := fileChecksum(dest)
	if err != nil {
		return nil, err
	}
	image.Checksum = sum

	if err := b.verify(dest, cfg.MandatoryBinaries); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"path":     dest,
		"entries":  len(image.Binaries),
		"checksum": image.Checksum,
	}).Info("initramfs built and verified")

	return image, nil
}

var archiveDirs = []string{"bin", "dev", "etc", "lib", "lib/firmware", "proc", "sbin", "sys"}

func (b *Builder) collectRecords(layout *disk.PartitionLayout, driverSet drivers.ResolvedDriverSet, cfg *config.KernelConfig) ([]cpio.Record, error) {
	var records []cpio.Record
	for _, dir := range archiveDirs {
		records = append(records, cpio.Directory(dir, 0755))
	}

	binaries := append([]string(nil), cfg.MandatoryBinaries...)
	sort.Strings(binaries)
	for _, name := range binaries {
		src := b.findBinary(name)
		if src == "" {
			// Leave it out; verification reports the archive as
			// incomplete.
			logrus.WithField("binary", name).Warn("mandatory binary not found on host")
			continue
		}
		contents, err := os.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", src, err)
		}
		records = append(records, cpio.StaticRecord(contents, cpio.Info{
			Name: "bin/" + name,
			Mode: unix.S_IFREG | 0755,
		}))
	}

	for _, category := range driverSet.Categories() {
		staged := driverSet[category]
		if staged.Absent() {
			continue
		}
		contents, err := os.ReadFile(staged.Path)
		if err != nil {
			return nil, fmt.Errorf("reading staged driver %s: %w", staged.Path, err)
		}
		records = append(records, cpio.StaticRecord(contents, cpio.Info{
			Name: "lib/firmware/" + category + "/" + filepath.Base(staged.Path),
			Mode: unix.S_IFREG | 0644,
		}))
	}

	records = append(records, cpio.StaticFile("init", initScript(layout), 0755))
	cpio.MakeAllReproducible(records)
	return records, nil
}

func (b *Builder) findBinary(name string) string {
	for _, dir := range b.SearchPath {
		candidate := filepath.Join(dir, name)
		if fi, err := os.Stat(candidate); err == nil && fi.Mode().IsRegular() {
			return candidate
		}
	}
	return ""
}

// initScript is the archive's /init. It mounts the pseudo
// filesystems and hands off to the real init, matching what the
// recovery shell expects to find.
func initScript(layout *disk.PartitionLayout) string {
	var sb strings.Builder
	sb.WriteString("#!/bin/busybox sh\n")
	sb.WriteString("mount -t proc proc /proc\n")
	sb.WriteString("mount -t sysfs sysfs /sys\n")
	sb.WriteString("mount -t devtmpfs devtmpfs /dev\n")
	if layout != nil && layout.Root.UUID != "" {
		fmt.Fprintf(&sb, "root=UUID=%s\n", layout.Root.UUID)
	}
	sb.WriteString("exec /sbin/init\n")
	return sb.String()
}

func writeArchive(dest string, records []cpio.Record) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+ImageName+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	gz := gzip.NewWriter(tmp)
	w := cpio.Newc.Writer(gz)
	if err := cpio.WriteRecords(w, records); err != nil {
		tmp.Close() //nolint:errcheck
		return err
	}
	if err := cpio.WriteTrailer(w); err != nil {
		tmp.Close() //nolint:errcheck
		return err
	}
	if err := gz.Close(); err != nil {
		tmp.Close() //nolint:errcheck
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

// verify re-reads the written archive's manifest and checks every
// mandatory binary is present.
func (b *Builder) verify(dest string, mandatory []string) error {
	names, err := readManifest(dest)
	if err != nil {
		return fmt.Errorf("re-reading initramfs manifest: %w", err)
	}

	var missing []string
	for _, name := range mandatory {
		if !names["bin/"+name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &IncompleteInitramfsError{Path: dest, Missing: missing}
	}
	return nil
}

func readManifest(dest string) (map[string]bool, error) {
	f, err := os.Open(dest)
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(gz)
	if err != nil {
		return nil, err
	}
	records, err := cpio.ReadAllRecords(cpio.Newc.Reader(bytes.NewReader(raw)))
	if err != nil {
		return nil, err
	}

	names := make(map[string]bool, len(records))
	for _, r := range records {
		names[r.Info.Name] = true
	}
	return names, nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close() //nolint:errcheck

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
