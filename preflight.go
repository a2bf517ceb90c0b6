package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// requiredCommands are the external collaborators every clone needs.
// partclone tools are optional: the cloner falls back to a full
// byte-range copy when the fast path is unavailable.
var requiredCommands = []string{
	"lsblk",
	"wipefs",
	"sfdisk",
	"partprobe",
	"mount",
	"umount",
	"losetup",
	"rsync",
	"mkfs.vfat",
	"mkfs.ext4",
	"dd",
}

// Preflight validates preconditions before anything destructive starts:
// privileges, tooling, destination sanity and exclusivity, scratch
// space. Any failure here means the destination was not touched.
func Preflight(ctx context.Context, opts CloneOptions) error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("must run as root: partitioning and mounts need it")
	}

	var missing []string
	for _, cmd := range requiredCommands {
		if _, err := exec.LookPath(cmd); err != nil {
			missing = append(missing, cmd)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required commands not found: %s", strings.Join(missing, ", "))
	}

	src := opts.Source
	dst := opts.Destination
	if sameDisk(src, dst) {
		return fmt.Errorf("destination %s is the source disk", dst)
	}
	if looksLikePartition(dst) {
		return fmt.Errorf("destination %s looks like a partition, use the whole disk", dst)
	}
	if _, err := os.Stat(dst); err != nil {
		return fmt.Errorf("destination %s: %w", dst, ErrDeviceNotFound)
	}

	mounts, err := os.ReadFile("/proc/self/mounts")
	if err != nil {
		return fmt.Errorf("failed to read mount table: %w", err)
	}
	if mp := mountedUnder(string(mounts), dst); mp != "" {
		return fmt.Errorf("destination %s is mounted at %s, unmount it first: %w",
			dst, mp, ErrDestinationBusy)
	}

	if err := ensureDir(opts.ScratchDir); err != nil {
		return err
	}
	cleanStaleScratch(ctx, opts.ScratchDir, 24*time.Hour)
	return nil
}

// mountedUnder returns the first mountpoint backed by disk or one of its
// partitions, or "" when nothing is mounted. mounts is the content of
// /proc/self/mounts.
func mountedUnder(mounts, disk string) string {
	base := baseDiskFromDevice(disk)
	for _, line := range strings.Split(mounts, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		dev, mp := fields[0], fields[1]
		if !strings.HasPrefix(dev, "/dev/") {
			continue
		}
		if baseDiskFromDevice(dev) == base {
			return mp
		}
	}
	return ""
}

// baseDiskFromDevice strips a partition suffix: /dev/sda1 -> /dev/sda,
// /dev/mmcblk0p2 -> /dev/mmcblk0. Whole-disk names pass through.
func baseDiskFromDevice(dev string) string {
	name := strings.TrimPrefix(dev, "/dev/")
	if name == dev || name == "" {
		return dev
	}

	if strings.HasPrefix(name, "mmcblk") || strings.HasPrefix(name, "nvme") || strings.HasPrefix(name, "loop") {
		// Partition separator is a "p" that follows the disk number:
		// mmcblk0p2, nvme0n1p1, loop3p1.
		if idx := strings.LastIndex(name, "p"); idx > 0 && idx < len(name)-1 &&
			isDigit(name[idx-1]) && allDigits(name[idx+1:]) {
			return "/dev/" + name[:idx]
		}
		return dev
	}

	trimmed := strings.TrimRight(name, "0123456789")
	if trimmed == "" {
		return dev
	}
	return "/dev/" + trimmed
}

func sameDisk(a, b string) bool {
	return baseDiskFromDevice(a) == baseDiskFromDevice(b)
}

// looksLikePartition reports whether a /dev name appears to be a
// partition rather than a whole disk.
func looksLikePartition(dev string) bool {
	name := strings.TrimPrefix(dev, "/dev/")
	if name == "" {
		return false
	}

	if strings.HasPrefix(name, "mmcblk") || strings.HasPrefix(name, "nvme") || strings.HasPrefix(name, "loop") {
		idx := strings.LastIndex(name, "p")
		return idx > 0 && idx < len(name)-1 && isDigit(name[idx-1]) && allDigits(name[idx+1:])
	}

	return isDigit(name[len(name)-1])
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	_, err := strconv.Atoi(s)
	return err == nil
}

// cleanStaleScratch removes staging images left behind by earlier runs
// that crashed before teardown.
func cleanStaleScratch(ctx context.Context, scratchDir string, maxAge time.Duration) {
	logger := GetLogger(ctx).WithField("component", "preflight")

	entries, err := os.ReadDir(scratchDir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "root-") || !strings.HasSuffix(entry.Name(), ".img") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(scratchDir, entry.Name())
		if err := os.Remove(path); err != nil {
			logger.WithError(err).WithField("path", path).Warn("failed to remove stale staging image")
			continue
		}
		logger.WithField("path", path).Info("removed stale staging image")
	}
}
