package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/sirupsen/logrus"
)

// rsyncExcludes are tree roots that are never meaningful to persist:
// pseudo-filesystems, runtime state, and other-device mounts.
var rsyncExcludes = []string{
	"/proc/*",
	"/sys/*",
	"/dev/*",
	"/run/*",
	"/tmp/*",
	"/mnt/*",
	"/media/*",
	"/lost+found",
}

// StagingImage is the product of a shrink staging run: a raw filesystem
// image holding the complete source root tree at the reduced size. Only
// the backing file survives the build; loop device and mount are already
// released.
type StagingImage struct {
	BackingPath string
	SizeBytes   uint64
}

// StagingEngine builds a reduced-size root filesystem image in scratch
// storage. Active only for shrink-mode plans.
type StagingEngine struct {
	runner     Runner
	scratchDir string
}

func NewStagingEngine(runner Runner, scratchDir string) *StagingEngine {
	return &StagingEngine{runner: runner, scratchDir: scratchDir}
}

// Build allocates and formats the staging image, replicates the source
// root tree into it, and returns the detached image file. The source
// root is only ever mounted read-only; no write reaches the source.
func (e *StagingEngine) Build(ctx context.Context, sess *Session, src *Device, plan ClonePlan) (*StagingImage, error) {
	root := src.RootPart()
	logger := GetLogger(ctx).WithFields(logrus.Fields{
		"component": "staging",
		"source":    root.Path,
		"size":      humanize.IBytes(plan.RootSizeBytes),
	})

	usage, err := disk.UsageWithContext(ctx, e.scratchDir)
	if err != nil {
		return nil, fmt.Errorf("failed to check scratch space in %s: %w", e.scratchDir, err)
	}
	if usage.Free < plan.RootSizeBytes {
		return nil, fmt.Errorf("scratch dir %s has %s free, staging image needs %s: %w",
			e.scratchDir, humanize.IBytes(usage.Free), humanize.IBytes(plan.RootSizeBytes),
			ErrInsufficientScratchSpace)
	}

	backing := scratchImagePath(e.scratchDir, sess.ID)
	logger.WithField("image", backing).Info("building shrink staging image")

	if err := createSparseFile(backing, int64(plan.RootSizeBytes)); err != nil {
		return nil, fmt.Errorf("failed to allocate staging image: %w", err)
	}
	sess.TrackFile(backing, "staging")

	loopDev, err := sess.AttachLoop(ctx, backing, "staging")
	if err != nil {
		return nil, err
	}
	name, args := mkfsCommand(root.Fs, loopDev)
	if err := e.runner.Run(ctx, name, args...); err != nil {
		return nil, fmt.Errorf("failed to format staging image: %w", err)
	}

	imgMount, err := os.MkdirTemp("", "raspi-clone-img-")
	if err != nil {
		return nil, fmt.Errorf("failed to create image mountpoint: %w", err)
	}
	sess.TrackDir(imgMount, "staging")
	if err := sess.Mount(ctx, loopDev, imgMount, "staging"); err != nil {
		return nil, err
	}

	srcMount := root.Mountpoint
	if srcMount == "" {
		tmp, err := os.MkdirTemp("", "raspi-clone-src-")
		if err != nil {
			return nil, fmt.Errorf("failed to create source mountpoint: %w", err)
		}
		sess.TrackDir(tmp, "staging")
		if err := sess.MountReadOnly(ctx, root.Path, tmp, "staging"); err != nil {
			return nil, err
		}
		srcMount = tmp
	}

	args = []string{"-aAXH", "--numeric-ids", "--delete"}
	for _, ex := range rsyncExcludes {
		args = append(args, "--exclude", ex)
	}
	args = append(args, srcMount+"/", imgMount+"/")
	if err := e.runner.Run(ctx, "rsync", args...); err != nil {
		return nil, fmt.Errorf("failed to replicate root tree: %w", err)
	}

	if srcMount != root.Mountpoint {
		if err := sess.Unmount(ctx, srcMount); err != nil {
			return nil, fmt.Errorf("failed to unmount source root: %w", err)
		}
	}
	if err := sess.Unmount(ctx, imgMount); err != nil {
		return nil, fmt.Errorf("failed to unmount staging image: %w", err)
	}
	if err := sess.DetachLoop(ctx, loopDev); err != nil {
		return nil, fmt.Errorf("failed to detach staging loop device: %w", err)
	}

	logger.Info("shrink staging image built")
	return &StagingImage{BackingPath: backing, SizeBytes: plan.RootSizeBytes}, nil
}

// createSparseFile allocates a file of the given size without writing
// its content: seek to the last byte and write a single zero.
func createSparseFile(path string, sizeBytes int64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Seek(sizeBytes-1, 0); err != nil {
		return fmt.Errorf("failed to seek in %s: %w", path, err)
	}
	if _, err := f.Write([]byte{0}); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// ensureDir creates dir with restrictive permissions if missing.
func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return nil
}
