package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// ExpandEngine extends the destination root partition over the trailing
// free space and grows the filesystem to match. Active only for
// grow-mode plans.
type ExpandEngine struct {
	runner Runner
	reread func(ctx context.Context, runner Runner, dest string) error
}

func NewExpandEngine(runner Runner) *ExpandEngine {
	return &ExpandEngine{runner: runner, reread: rereadPartitionTable}
}

// Expand extends partition 2 of dest to consume all free trailing space,
// waits for the kernel re-read, then grows the filesystem in place.
// A failed table extension is fatal; a failed or unsupported filesystem
// grow downgrades to a warning because the clone is already bootable.
func (e *ExpandEngine) Expand(ctx context.Context, sess *Session, dest string, fs FsKind) (*ResizeWarning, error) {
	logger := GetLogger(ctx).WithFields(logrus.Fields{
		"component": "expand",
		"dest":      dest,
		"fs":        string(fs),
	})
	logger.Info("extending root partition over trailing free space")

	if err := e.runner.RunInput(ctx, ", +", "sfdisk", "-N", "2", "--no-reread", dest); err != nil {
		return nil, fmt.Errorf("failed to extend root partition entry: %w: %w", err, ErrExpandFailed)
	}
	if err := e.reread(ctx, e.runner, dest); err != nil {
		return nil, fmt.Errorf("%w: %w", err, ErrExpandFailed)
	}

	root := partitionPath(dest, 2)
	switch fs {
	case FsExt4:
		// e2fsck exits nonzero when it corrects something; that is not a
		// failure for our purposes, so its error only downgrades.
		if err := e.runner.Run(ctx, "e2fsck", "-f", "-y", root); err != nil {
			logger.WithError(err).Warn("filesystem check reported corrections")
		}
		if err := e.runner.Run(ctx, "resize2fs", root); err != nil {
			return &ResizeWarning{Fs: fs, Reason: fmt.Sprintf("resize2fs failed: %v", err)}, nil
		}
	case FsBtrfs:
		warn, err := e.growBtrfs(ctx, sess, root)
		if warn != nil || err != nil {
			return warn, err
		}
	default:
		logger.Warn("filesystem kind has no online grow, leaving cloned size")
		return &ResizeWarning{Fs: fs, Reason: "no online grow support, partition extended but filesystem left at cloned size"}, nil
	}

	logger.Info("root filesystem grown to partition size")
	return nil, nil
}

// growBtrfs mounts the root briefly; btrfs can only resize a mounted
// filesystem.
func (e *ExpandEngine) growBtrfs(ctx context.Context, sess *Session, root string) (*ResizeWarning, error) {
	tmp, err := os.MkdirTemp("", "raspi-clone-grow-")
	if err != nil {
		return nil, fmt.Errorf("failed to create grow mountpoint: %w", err)
	}
	sess.TrackDir(tmp, "expand")

	if err := sess.Mount(ctx, root, tmp, "expand"); err != nil {
		return &ResizeWarning{Fs: FsBtrfs, Reason: fmt.Sprintf("mount for resize failed: %v", err)}, nil
	}
	growErr := e.runner.Run(ctx, "btrfs", "filesystem", "resize", "max", tmp)
	if err := sess.Unmount(ctx, tmp); err != nil {
		return nil, fmt.Errorf("failed to unmount after btrfs resize: %w", err)
	}
	if rmErr := os.RemoveAll(tmp); rmErr == nil {
		sess.Forget(tmp)
	}
	if growErr != nil {
		return &ResizeWarning{Fs: FsBtrfs, Reason: fmt.Sprintf("btrfs resize failed: %v", growErr)}, nil
	}
	return nil, nil
}
