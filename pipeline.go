package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ConfirmFunc is the destructive-action confirmation gate. It receives
// the computed plan and the device facts; returning false aborts before
// anything is written.
type ConfirmFunc func(plan ClonePlan, src, dst *Device) bool

// CloneResult summarizes a completed clone.
type CloneResult struct {
	Plan     ClonePlan
	Identity IdentitySet
	Warnings []ResizeWarning
}

// Pipeline runs one clone operation end to end: inventory, plan,
// confirmation, partition writing, optional shrink staging, block copy,
// optional expansion, boot identity patching. Strictly sequential; every
// stage's postconditions are the next stage's preconditions.
type Pipeline struct {
	runner  Runner
	journal *Journal
	opts    CloneOptions
	confirm ConfirmFunc

	destructive bool
}

func NewPipeline(runner Runner, journal *Journal, opts CloneOptions, confirm ConfirmFunc) *Pipeline {
	return &Pipeline{runner: runner, journal: journal, opts: opts, confirm: confirm}
}

// Destructive reports whether the destination was written to. Callers
// use it to distinguish precondition failures from mid-pipeline aborts.
func (p *Pipeline) Destructive() bool {
	return p.destructive
}

// Run executes the clone. The source device is never written; on any
// failure all session resources are released before the error surfaces.
func (p *Pipeline) Run(ctx context.Context) (*CloneResult, error) {
	logger := GetLogger(ctx).WithField("component", "pipeline")

	sess := NewSession(p.runner)
	// Teardown must run even when ctx was canceled, so release with a
	// fresh context.
	defer sess.Release(WithLogger(context.Background(), GetLogger(ctx)))

	logger = logger.WithField("session", sess.ID)
	ctx = WithLogger(ctx, logger)

	src, err := InspectDevice(ctx, p.runner, p.opts.Source)
	if err != nil {
		return nil, err
	}
	if err := ValidateSourceLayout(src); err != nil {
		return nil, err
	}
	dst, err := InspectDevice(ctx, p.runner, p.opts.Destination)
	if err != nil {
		return nil, err
	}
	if err := MeasureRootUsage(ctx, sess, src); err != nil {
		return nil, err
	}

	plan, err := BuildPlan(PlanInput{
		BootSizeBytes:          src.BootPart().SizeBytes,
		RootSizeBytes:          src.RootPart().SizeBytes,
		RootUsedBytes:          src.RootPart().UsedBytes,
		DestinationSizeBytes:   dst.SizeBytes,
		BootMarginBytes:        p.opts.BootMarginBytes,
		ShrinkMarginFloorBytes: p.opts.ShrinkMarginBytes,
		ShrinkMarginPercent:    p.opts.ShrinkMarginPercent,
	})
	if err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"mode": string(plan.Mode),
		"plan": plan.String(),
	}).Info("clone plan computed")

	if p.confirm != nil && !p.confirm(plan, src, dst) {
		return nil, fmt.Errorf("aborted by operator")
	}

	locked, err := p.journal.LockDestination(ctx, p.opts.Destination)
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, fmt.Errorf("another clone targets %s: %w", p.opts.Destination, ErrDestinationBusy)
	}
	defer func() {
		if err := p.journal.UnlockDestination(ctx, p.opts.Destination); err != nil {
			logger.WithError(err).Warn("failed to release destination lock")
		}
	}()

	runID, err := p.journal.CreateRun(ctx, p.opts.Source, p.opts.Destination)
	if err != nil {
		return nil, err
	}
	if err := p.journal.RecordMode(ctx, runID, plan.Mode); err != nil {
		return nil, err
	}

	result, err := p.execute(ctx, sess, runID, src, dst, plan)
	if err != nil {
		if jerr := p.journal.RecordFailure(ctx, runID, err); jerr != nil {
			logger.WithError(jerr).Warn("failed to journal run failure")
		}
		return nil, err
	}
	if err := p.journal.UpdateState(ctx, runID, StateDone); err != nil {
		logger.WithError(err).Warn("failed to journal run completion")
	}
	return result, nil
}

func (p *Pipeline) execute(ctx context.Context, sess *Session, runID string, src, dst *Device, plan ClonePlan) (*CloneResult, error) {
	logger := GetLogger(ctx)
	rootFs := src.RootPart().Fs

	// Shrink staging reads the source before the destination is touched,
	// so a staging failure leaves the destination intact.
	var image *StagingImage
	if plan.Mode == ModeShrink {
		var err error
		image, err = NewStagingEngine(p.runner, p.opts.ScratchDir).Build(ctx, sess, src, plan)
		if err != nil {
			return nil, err
		}
	}

	p.destructive = true
	if err := p.journal.UpdateState(ctx, runID, StateWriting); err != nil {
		logger.WithError(err).Warn("failed to journal state")
	}

	if err := NewPartitionWriter(p.runner).Apply(ctx, dst.Path, plan, rootFs); err != nil {
		return nil, err
	}

	cloner := NewBlockCloner(p.runner)
	if err := cloner.ClonePartition(ctx, src.BootPart().Path, partitionPath(dst.Path, 1), FsVfat); err != nil {
		return nil, err
	}
	if image != nil {
		if err := cloner.CloneImage(ctx, image.BackingPath, partitionPath(dst.Path, 2)); err != nil {
			return nil, err
		}
	} else {
		if err := cloner.ClonePartition(ctx, src.RootPart().Path, partitionPath(dst.Path, 2), rootFs); err != nil {
			return nil, err
		}
	}
	if err := p.journal.UpdateState(ctx, runID, StateCloned); err != nil {
		logger.WithError(err).Warn("failed to journal state")
	}

	result := &CloneResult{Plan: plan}
	if plan.Mode == ModeGrow {
		warn, err := NewExpandEngine(p.runner).Expand(ctx, sess, dst.Path, rootFs)
		if err != nil {
			return nil, err
		}
		if warn != nil {
			logger.WithField("warning", warn.String()).Warn("root filesystem not grown")
			result.Warnings = append(result.Warnings, *warn)
		}
	}

	patcher := NewBootPatcher(p.runner)
	if err := patcher.RegenerateIdentifiers(ctx, dst.Path, rootFs); err != nil {
		return nil, err
	}
	ids, err := patcher.ReadIdentitySet(ctx, dst.Path, rootFs)
	if err != nil {
		return nil, err
	}
	if err := patcher.Patch(ctx, sess, dst.Path, ids, rootFs, p.opts.Hostname); err != nil {
		return nil, err
	}
	result.Identity = ids
	if err := p.journal.UpdateState(ctx, runID, StatePatched); err != nil {
		logger.WithError(err).Warn("failed to journal state")
	}

	logger.WithFields(logrus.Fields{
		"mode":          string(plan.Mode),
		"root_partuuid": ids.RootPartUUID,
	}).Info("clone complete")
	return result, nil
}
