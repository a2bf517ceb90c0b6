package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	partitionWaitInterval = 500 * time.Millisecond
	partitionWaitAttempts = 10
)

// PartitionWriter destructively applies a ClonePlan to the destination:
// wipe, new table, two partitions, boot flag, formatting. Never additive;
// re-running always starts from a wiped device.
type PartitionWriter struct {
	runner Runner
	reread func(ctx context.Context, runner Runner, dest string) error
}

func NewPartitionWriter(runner Runner) *PartitionWriter {
	return &PartitionWriter{runner: runner, reread: rereadPartitionTable}
}

// Apply wipes dest and creates the planned layout, formatting each new
// partition with the filesystem kind of the corresponding source
// partition. Blocks until the kernel has re-read the table.
func (w *PartitionWriter) Apply(ctx context.Context, dest string, plan ClonePlan, rootFs FsKind) error {
	logger := GetLogger(ctx).WithField("component", "partition-writer")
	logger.WithField("plan", plan.String()).Info("writing destination partition table")

	if err := w.runner.Run(ctx, "wipefs", "-a", dest); err != nil {
		return fmt.Errorf("failed to wipe %s: %w: %w", dest, err, ErrPartitionTable)
	}

	script := sfdiskScript(plan)
	if err := w.runner.RunInput(ctx, script, "sfdisk", "--wipe", "always", dest); err != nil {
		return fmt.Errorf("failed to partition %s: %w: %w", dest, err, ErrPartitionTable)
	}

	if err := w.reread(ctx, w.runner, dest); err != nil {
		return fmt.Errorf("%w: %w", err, ErrPartitionTable)
	}

	if err := w.runner.Run(ctx, "mkfs.vfat", "-F", "32", partitionPath(dest, 1)); err != nil {
		return fmt.Errorf("failed to format boot partition: %w: %w", err, ErrPartitionTable)
	}
	name, args := mkfsCommand(rootFs, partitionPath(dest, 2))
	if err := w.runner.Run(ctx, name, args...); err != nil {
		return fmt.Errorf("failed to format root partition: %w: %w", err, ErrPartitionTable)
	}

	logger.Info("destination partition table written")
	return nil
}

// sfdiskScript renders the sfdisk input for the planned layout: a DOS
// label with a bootable FAT boot partition and a Linux root partition,
// both at explicit MiB sizes.
func sfdiskScript(plan ClonePlan) string {
	return fmt.Sprintf("label: dos\n,%dMiB,c,*\n,%dMiB,L\n",
		plan.BootSizeBytes/(1024*1024), plan.RootSizeBytes/(1024*1024))
}

// mkfsCommand selects the format tool for a root filesystem kind.
func mkfsCommand(fs FsKind, dev string) (string, []string) {
	switch fs {
	case FsBtrfs:
		return "mkfs.btrfs", []string{"-f", dev}
	case FsF2fs:
		return "mkfs.f2fs", []string{"-f", dev}
	default:
		return "mkfs.ext4", []string{"-F", dev}
	}
}

// rereadPartitionTable asks the kernel to re-read dest's table and waits,
// with a fixed retry budget, until both partition device nodes exist.
func rereadPartitionTable(ctx context.Context, runner Runner, dest string) error {
	if err := runner.Run(ctx, "partprobe", dest); err != nil {
		return fmt.Errorf("failed to trigger table re-read on %s: %w", dest, err)
	}

	check := func() error {
		for idx := 1; idx <= 2; idx++ {
			node := partitionPath(dest, idx)
			if _, err := os.Stat(node); err != nil {
				return fmt.Errorf("waiting for %s: %w", node, err)
			}
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(partitionWaitInterval), partitionWaitAttempts),
		ctx)
	if err := backoff.Retry(check, policy); err != nil {
		return fmt.Errorf("kernel did not expose partitions of %s: %w", dest, err)
	}
	return nil
}
