// Package orchestrator sequences the boot preparation pipeline:
// detection, partition location, secure-boot provisioning, driver
// resolution, initramfs assembly, and bootloader installation. It is
// the only component with write access to persistent boot state and
// the only one that decides when the recovery fallback is entered.
//
// The pipeline is strictly sequential: each stage's validated output
// is the next stage's input. Cancellation is honored up to the first
// mutating stage; once a mutating stage has started it runs to
// completion or declared failure, because a half-written partition or
// bootloader record is itself a hazard.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/josiahkernel/bootprep/internal/bootloader"
	"github.com/josiahkernel/bootprep/internal/config"
	"github.com/josiahkernel/bootprep/internal/disk"
	"github.com/josiahkernel/bootprep/internal/drivers"
	"github.com/josiahkernel/bootprep/internal/hardware"
	"github.com/josiahkernel/bootprep/internal/initramfs"
	"github.com/josiahkernel/bootprep/internal/jsondb"
	"github.com/josiahkernel/bootprep/internal/secureboot"
)

// The stage components, as interfaces so tests can substitute fakes.
type (
	HardwareProfiler interface {
		Detect(ctx context.Context) (*hardware.Profile, error)
	}
	PartitionLocator interface {
		Locate(ctx context.Context, profile *hardware.Profile, cfg *config.KernelConfig) (*disk.PartitionLayout, []string, error)
	}
	SecureBootProvisioner interface {
		Provision(ctx context.Context, profile *hardware.Profile, layout *disk.PartitionLayout, cfg *config.KernelConfig) (*secureboot.Material, error)
	}
	DriverResolver interface {
		Resolve(ctx context.Context, profile *hardware.Profile, cfg *config.KernelConfig) (drivers.ResolvedDriverSet, error)
	}
	InitramfsBuilder interface {
		Build(ctx context.Context, layout *disk.PartitionLayout, set drivers.ResolvedDriverSet, cfg *config.KernelConfig) (*initramfs.Image, error)
	}
	BootloaderInstaller interface {
		Install(ctx context.Context, layout *disk.PartitionLayout, image *initramfs.Image, material *secureboot.Material, cfg *config.KernelConfig) (*bootloader.InstallResult, error)
	}
)

// Result bundles everything a completed run produced.
type Result struct {
	State    *State
	Profile  *hardware.Profile
	Layout   *disk.PartitionLayout
	Material *secureboot.Material
	Drivers  drivers.ResolvedDriverSet
	Image    *initramfs.Image
	Install  *bootloader.InstallResult
}

// Orchestrator owns the pipeline's inter-stage data and the run log.
type Orchestrator struct {
	Profiler    HardwareProfiler
	Locator     PartitionLocator
	Provisioner SecureBootProvisioner
	Resolver    DriverResolver
	Builder     InitramfsBuilder
	Installer   BootloaderInstaller

	// Partitioner, when set, mounts the located root partition at
	// Config.TargetRoot before the initramfs build and unmounts it
	// after a successful install.
	Partitioner disk.Partitioner

	// Shell is entered when a stage failure makes the run
	// unrecoverable. When nil, Run returns the failure without a
	// fallback (used by tests and dry runs).
	Shell Shell

	Config *config.KernelConfig

	// RunLogDir receives one JSON document per run. Empty disables
	// persistence.
	RunLogDir string

	// StopBeforeMutation stops the run cleanly before the first
	// stage that would mutate target storage.
	StopBeforeMutation bool

	runs *jsondb.JSONDatabase
}

var errDryRunStop = errors.New("stopping before first mutating stage")

// Run executes the pipeline. The returned State is always non-nil and
// reflects every attempted stage; err is nil only when the pipeline
// reached Done or was stopped by StopBeforeMutation.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	if o.RunLogDir != "" {
		o.runs = jsondb.New(o.RunLogDir, 0644)
	}
	state := newState()
	result := &Result{State: state}
	o.persist(state)

	err := o.sequence(ctx, state, result)
	if err == nil {
		state.Current = StageDone
		o.persist(state)
		logrus.WithField("run", state.ID).Info("boot orchestration complete")
		return result, nil
	}
	if errors.Is(err, errDryRunStop) {
		o.persist(state)
		logrus.WithField("run", state.ID).Info("dry run stopped before first mutating stage")
		return result, nil
	}
	if state.Aborted {
		o.persist(state)
		logrus.WithField("run", state.ID).Warn("run aborted before mutation")
		return result, err
	}
	return result, o.enterRecovery(state, err)
}

func (o *Orchestrator) sequence(ctx context.Context, state *State, result *Result) error {
	cfg := o.Config

	err := o.runStage(ctx, state, StageDetecting, false, func(c context.Context) ([]string, Outcome, error) {
		profile, err := o.Profiler.Detect(c)
		if err != nil {
			return nil, OutcomeFailed, err
		}
		result.Profile = profile
		return nil, OutcomeSuccess, nil
	})
	if err != nil {
		return err
	}

	err = o.runStage(ctx, state, StagePartitioning, false, func(c context.Context) ([]string, Outcome, error) {
		layout, notes, err := o.Locator.Locate(c, result.Profile, cfg)
		if err != nil {
			return nil, OutcomeFailed, err
		}
		result.Layout = layout
		return notes, OutcomeSuccess, nil
	})
	if err != nil {
		return err
	}

	// Binding encryption rewrites the root partition, so the stage is
	// mutating exactly when encryption is requested.
	err = o.runStage(ctx, state, StageSecureBoot, cfg.EncryptRoot, func(c context.Context) ([]string, Outcome, error) {
		if !cfg.UseTPM && !cfg.EncryptRoot {
			return []string{"secure boot material not requested"}, OutcomeSuccess, nil
		}
		if err := o.mutationAllowed(result.Profile, cfg.EncryptRoot); err != nil {
			return nil, OutcomeFailed, err
		}
		material, err := o.Provisioner.Provision(c, result.Profile, result.Layout, cfg)
		if err != nil {
			return nil, OutcomeFailed, err
		}
		result.Material = material
		var notes []string
		if material != nil && material.MapperDevice != "" && o.Partitioner != nil {
			// luksFormat replaced the root filesystem with a LUKS
			// container; recreate the filesystem inside the opened
			// mapping.
			fsType := rootFsType(result.Layout)
			ref := disk.PartitionRef{Device: material.MapperDevice}
			if err := o.Partitioner.FormatPartition(c, ref, fsType); err != nil {
				return nil, OutcomeFailed, err
			}
			notes = append(notes, fmt.Sprintf("created %s filesystem on %s", fsType, material.MapperDevice))
		}
		return notes, OutcomeSuccess, nil
	})
	if err != nil {
		return err
	}

	err = o.runStage(ctx, state, StageDriverResolution, false, func(c context.Context) ([]string, Outcome, error) {
		set, err := o.Resolver.Resolve(c, result.Profile, cfg)
		if err != nil {
			return nil, OutcomeFailed, err
		}
		result.Drivers = set
		notes, outcome := driverNotes(set)
		return notes, outcome, nil
	})
	if err != nil {
		return err
	}

	err = o.runStage(ctx, state, StageInitramfsBuild, true, func(c context.Context) ([]string, Outcome, error) {
		if err := o.mutationAllowed(result.Profile, true); err != nil {
			return nil, OutcomeFailed, err
		}
		var notes []string
		if o.Partitioner != nil {
			mountRef := rootMount(result)
			if err := o.Partitioner.Mount(c, mountRef, cfg.TargetRoot); err != nil {
				return nil, OutcomeFailed, err
			}
			notes = append(notes, fmt.Sprintf("mounted %s at %s", mountRef.Device, cfg.TargetRoot))
		}
		image, err := o.Builder.Build(c, result.Layout, result.Drivers, cfg)
		if err != nil {
			return notes, OutcomeFailed, err
		}
		result.Image = image
		notes = append(notes, fmt.Sprintf("initramfs %s (%s)", image.Path, image.Checksum))
		return notes, OutcomeSuccess, nil
	})
	if err != nil {
		return err
	}

	err = o.runStage(ctx, state, StageBootloaderInstall, true, func(c context.Context) ([]string, Outcome, error) {
		if err := o.mutationAllowed(result.Profile, true); err != nil {
			return nil, OutcomeFailed, err
		}
		install, err := o.Installer.Install(c, result.Layout, result.Image, result.Material, cfg)
		if err != nil {
			return nil, OutcomeFailed, err
		}
		result.Install = install
		return []string{fmt.Sprintf("bootloader variant %s, entry %s", install.Variant, install.EntryPath)}, OutcomeSuccess, nil
	})
	if err != nil {
		return err
	}

	if o.Partitioner != nil {
		if err := o.Partitioner.Unmount(context.WithoutCancel(ctx), cfg.TargetRoot); err != nil {
			logrus.WithError(err).Warn("unmounting target root failed, leaving it mounted")
		}
	}
	return nil
}

type stageFunc func(ctx context.Context) (notes []string, outcome Outcome, err error)

func (o *Orchestrator) runStage(ctx context.Context, state *State, stage Stage, mutating bool, fn stageFunc) error {
	if mutating {
		if err := ctx.Err(); err != nil {
			state.Aborted = true
			state.record(LogEntry{
				Stage:    stage,
				Outcome:  OutcomeAborted,
				Started:  time.Now(),
				Finished: time.Now(),
				Notes:    []string{"canceled before mutating stage started"},
			})
			o.persist(state)
			return err
		}
		if o.StopBeforeMutation {
			state.Aborted = true
			state.record(LogEntry{
				Stage:    stage,
				Outcome:  OutcomeAborted,
				Started:  time.Now(),
				Finished: time.Now(),
				Notes:    []string{"dry run: stopping before mutating stage"},
			})
			o.persist(state)
			return errDryRunStop
		}
	}

	state.Current = stage
	logrus.WithField("stage", stage).Info("stage starting")
	entry := LogEntry{Stage: stage, Started: time.Now()}

	stageCtx := ctx
	if mutating {
		// Mutating stages run to completion or declared failure; they
		// are detached from cancellation but still time-bounded.
		stageCtx = context.WithoutCancel(ctx)
	}
	if timeout := o.Config.DelegateTimeout.Unwrap(); timeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(stageCtx, timeout)
		defer cancel()
	}

	notes, outcome, err := fn(stageCtx)
	entry.Finished = time.Now()
	entry.Notes = notes

	if err == nil && !mutating && ctx.Err() != nil {
		// Cancellation raced the stage; nothing was mutated, so treat
		// it as a clean abort rather than continuing.
		err = ctx.Err()
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = &DelegateFailure{Stage: stage, Err: err}
		}
		if errors.Is(err, context.Canceled) && !mutating {
			state.Aborted = true
			entry.Outcome = OutcomeAborted
			entry.Error = err.Error()
			state.record(entry)
			o.persist(state)
			return err
		}
		entry.Outcome = OutcomeFailed
		entry.Error = err.Error()
		state.record(entry)
		state.fail(stage, err)
		o.persist(state)
		logrus.WithFields(logrus.Fields{"stage": stage}).WithError(err).Error("stage failed")
		return fmt.Errorf("stage %s: %w", stage, err)
	}

	entry.Outcome = outcome
	state.record(entry)
	o.persist(state)
	logrus.WithFields(logrus.Fields{"stage": stage, "outcome": outcome}).Info("stage complete")
	return nil
}

// mutationAllowed refuses to touch target storage inside WSL or a
// hypervisor unless the configuration explicitly allows it.
func (o *Orchestrator) mutationAllowed(profile *hardware.Profile, mutates bool) error {
	if !mutates || profile == nil {
		return nil
	}
	if profile.Virtualized && !o.Config.AllowVirtualized {
		return ErrVirtualizedTarget
	}
	return nil
}

func (o *Orchestrator) enterRecovery(state *State, stageErr error) error {
	state.Current = StageRecovery
	o.persist(state)

	diag := Diagnostics{
		RunID:   state.ID,
		Error:   state.FailedError,
		LogPath: o.logPath(state),
	}
	if state.FailedStage != nil {
		diag.FailedStage = *state.FailedStage
	}

	if o.Shell == nil {
		return stageErr
	}
	if err := o.Shell.EnterRecoveryShell(diag); err != nil {
		logrus.WithError(err).Error("recovery shell could not be entered")
		return &FatalError{StageErr: stageErr, RecoveryErr: err}
	}
	return stageErr
}

func (o *Orchestrator) persist(state *State) {
	if o.runs == nil {
		return
	}
	if err := o.runs.Write(state.ID.String(), state); err != nil {
		logrus.WithError(err).Warn("could not persist run log")
	}
}

func (o *Orchestrator) logPath(state *State) string {
	if o.RunLogDir == "" {
		return ""
	}
	return filepath.Join(o.RunLogDir, state.ID.String()+".json")
}

// rootMount is the device the target root is mounted from: the
// decrypted mapping when encryption is bound, the raw partition
// otherwise.
func rootMount(result *Result) disk.PartitionRef {
	if result.Material != nil && result.Material.MapperDevice != "" {
		return disk.PartitionRef{
			Device: result.Material.MapperDevice,
			FsType: rootFsType(result.Layout),
			UUID:   result.Layout.Root.UUID,
		}
	}
	return result.Layout.Root
}

// rootFsType is the filesystem used inside an encryption container:
// what the root partition carried before binding, defaulting to ext4.
func rootFsType(layout *disk.PartitionLayout) string {
	switch layout.Root.FsType {
	case "", "crypto_LUKS":
		return "ext4"
	}
	return layout.Root.FsType
}

// driverNotes summarizes the resolved set; a failed optional fetch
// degrades the stage outcome without failing it.
func driverNotes(set drivers.ResolvedDriverSet) ([]string, Outcome) {
	outcome := OutcomeSuccess
	var notes []string
	for _, category := range set.Categories() {
		staged := set[category]
		switch {
		case !staged.Absent():
			notes = append(notes, fmt.Sprintf("%s: staged %s", category, staged.Path))
		case staged.FetchFailed:
			outcome = OutcomeDegraded
			notes = append(notes, fmt.Sprintf("%s: %s", category, staged.Reason))
		default:
			notes = append(notes, fmt.Sprintf("%s: %s", category, staged.Reason))
		}
	}
	return notes, outcome
}
