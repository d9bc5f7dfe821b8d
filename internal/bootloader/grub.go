package bootloader

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// GrubLoader is the default bootloader collaborator, shelling out to
// grub-install and grub-mkconfig. The boot entry is rendered as a
// custom menu entry, which the stock 41_custom hook folds into the
// generated configuration.
type GrubLoader struct {
	// BootDir is the target's /boot, where grub writes its
	// configuration.
	BootDir string
}

func NewGrubLoader(bootDir string) *GrubLoader {
	return &GrubLoader{BootDir: bootDir}
}

func (g *GrubLoader) InstallUEFIEntry(ctx context.Context, cfg UEFIEntryConfig) error {
	entry := grubMenuEntry(cfg.Title, cfg.KernelPath, cfg.InitramfsPath, "root=UUID="+cfg.RootUUID)
	if err := g.writeCustomEntry(entry); err != nil {
		return err
	}
	args := []string{
		"--target=x86_64-efi",
		"--efi-directory=" + g.BootDir + "/efi",
		"--boot-directory=" + g.BootDir,
		cfg.ESPDevice,
	}
	return g.run(ctx, args)
}

func (g *GrubLoader) InstallLegacyLoader(ctx context.Context, cfg LegacyConfig) error {
	entry := grubMenuEntry("bootprep", cfg.KernelPath, cfg.InitramfsPath, "root=UUID="+cfg.RootUUID+" nomodeset")
	if err := g.writeCustomEntry(entry); err != nil {
		return err
	}
	args := []string{
		"--target=i386-pc",
		"--boot-directory=" + g.BootDir,
		cfg.Disk,
	}
	return g.run(ctx, args)
}

func grubMenuEntry(title, kernel, initrd, options string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "menuentry %q {\n", title)
	fmt.Fprintf(&sb, "\tlinux %s %s\n", kernel, options)
	fmt.Fprintf(&sb, "\tinitrd %s\n", initrd)
	sb.WriteString("}\n")
	return sb.String()
}

func (g *GrubLoader) writeCustomEntry(entry string) error {
	dir := filepath.Join(g.BootDir, "grub")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "custom.cfg"), []byte(entry), 0644)
}

func (g *GrubLoader) run(ctx context.Context, installArgs []string) error {
	logrus.WithField("args", strings.Join(installArgs, " ")).Info("running grub-install")
	if out, err := exec.CommandContext(ctx, "grub-install", installArgs...).CombinedOutput(); err != nil {
		return fmt.Errorf("grub-install: %w: %s", err, strings.TrimSpace(string(out)))
	}
	if out, err := exec.CommandContext(ctx, "grub-mkconfig", "-o", g.BootDir+"/grub/grub.cfg").CombinedOutput(); err != nil {
		return fmt.Errorf("grub-mkconfig: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
