package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// BlockCloner copies partition content onto the destination, preferring
// an allocated-blocks-only strategy where the filesystem kind supports
// one and falling back to a full byte-range copy otherwise.
type BlockCloner struct {
	runner Runner
}

func NewBlockCloner(runner Runner) *BlockCloner {
	return &BlockCloner{runner: runner}
}

// partcloneTool maps a filesystem kind to its allocated-blocks-only copy
// tool, if one exists.
func partcloneTool(fs FsKind) (string, bool) {
	switch fs {
	case FsExt4:
		return "partclone.ext4", true
	case FsVfat:
		return "partclone.fat", true
	case FsBtrfs:
		return "partclone.btrfs", true
	case FsF2fs:
		return "partclone.f2fs", true
	default:
		return "", false
	}
}

// ClonePartition copies src onto dst. With a supported filesystem kind
// only allocated blocks are transferred; otherwise the entire partition
// extent is copied.
func (c *BlockCloner) ClonePartition(ctx context.Context, src, dst string, fs FsKind) error {
	logger := GetLogger(ctx).WithFields(logrus.Fields{
		"component": "cloner",
		"source":    src,
		"dest":      dst,
		"fs":        string(fs),
	})

	if tool, ok := partcloneTool(fs); ok {
		logger.WithField("tool", tool).Info("copying allocated blocks")
		if err := c.runner.Run(ctx, tool, "-b", "-s", src, "-o", dst); err != nil {
			return fmt.Errorf("allocated-block copy %s -> %s: %w: %w", src, dst, err, ErrCloneFailed)
		}
		return nil
	}

	logger.Info("copying full byte range")
	if err := c.fullCopy(ctx, src, dst); err != nil {
		return fmt.Errorf("full copy %s -> %s: %w: %w", src, dst, err, ErrCloneFailed)
	}
	return nil
}

// CloneImage writes a staged raw filesystem image onto dst. The image
// was built at exactly the target partition size, so a full byte-range
// copy is the correct transfer.
func (c *BlockCloner) CloneImage(ctx context.Context, imagePath, dst string) error {
	GetLogger(ctx).WithFields(logrus.Fields{
		"component": "cloner",
		"image":     imagePath,
		"dest":      dst,
	}).Info("writing staged image")

	if err := c.fullCopy(ctx, imagePath, dst); err != nil {
		return fmt.Errorf("image copy %s -> %s: %w: %w", imagePath, dst, err, ErrCloneFailed)
	}
	return nil
}

func (c *BlockCloner) fullCopy(ctx context.Context, src, dst string) error {
	return c.runner.Run(ctx, "dd", "if="+src, "of="+dst, "bs=4M", "conv=fsync", "status=none")
}
