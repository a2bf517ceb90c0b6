package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/sirupsen/logrus"
)

// lsblk output model. Sizes are numeric with -b on current util-linux but
// were strings in older releases, so accept both.
type lsblkSize uint64

func (s *lsblkSize) UnmarshalJSON(data []byte) error {
	text := strings.Trim(string(data), `"`)
	if text == "" || text == "null" {
		*s = 0
		return nil
	}
	v, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid lsblk size %q: %w", text, err)
	}
	*s = lsblkSize(v)
	return nil
}

type lsblkDevice struct {
	Name       string        `json:"name"`
	Path       string        `json:"path"`
	Size       lsblkSize     `json:"size"`
	Type       string        `json:"type"`
	Fstype     string        `json:"fstype"`
	Mountpoint string        `json:"mountpoint"`
	UUID       string        `json:"uuid"`
	PartUUID   string        `json:"partuuid"`
	PartFlags  string        `json:"partflags"`
	Children   []lsblkDevice `json:"children"`
}

type lsblkOutput struct {
	BlockDevices []lsblkDevice `json:"blockdevices"`
}

const lsblkColumns = "NAME,PATH,SIZE,TYPE,FSTYPE,MOUNTPOINT,UUID,PARTUUID,PARTFLAGS"

// InspectDevice reads size and filesystem facts for a block device and
// its partitions. It does not judge the layout; ValidateSourceLayout
// does that for clone sources.
func InspectDevice(ctx context.Context, runner Runner, path string) (*Device, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, ErrDeviceNotFound)
	}
	if info.Mode()&os.ModeDevice == 0 {
		return nil, fmt.Errorf("%s is not a block device: %w", path, ErrDeviceNotFound)
	}

	out, err := runner.Output(ctx, "lsblk", "-J", "-b", "-o", lsblkColumns, path)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect %s: %w", path, err)
	}
	return parseLsblk([]byte(out), path)
}

// parseLsblk converts lsblk -J -b output into a Device.
func parseLsblk(data []byte, path string) (*Device, error) {
	var out lsblkOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse lsblk output for %s: %w", path, err)
	}
	if len(out.BlockDevices) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrDeviceNotFound)
	}

	raw := out.BlockDevices[0]
	dev := &Device{
		Path:      path,
		SizeBytes: uint64(raw.Size),
	}
	if raw.Path != "" {
		dev.Path = raw.Path
	}

	idx := 0
	for _, child := range raw.Children {
		if child.Type != "part" {
			continue
		}
		idx++
		p := Partition{
			Path:       child.Path,
			Index:      idx,
			SizeBytes:  uint64(child.Size),
			Fs:         fsKindFromLsblk(child.Fstype),
			Boot:       strings.Contains(child.PartFlags, "0x80") || strings.Contains(child.PartFlags, "boot"),
			UUID:       child.UUID,
			PartUUID:   child.PartUUID,
			Mountpoint: child.Mountpoint,
		}
		if p.Path == "" {
			p.Path = partitionPath(dev.Path, idx)
		}
		dev.Partitions = append(dev.Partitions, p)
	}
	return dev, nil
}

// ValidateSourceLayout checks that dev exposes exactly a FAT-family boot
// partition followed by a root partition with a known filesystem.
func ValidateSourceLayout(dev *Device) error {
	if len(dev.Partitions) != 2 {
		return fmt.Errorf("%s has %d partitions, need exactly 2 (boot + root): %w",
			dev.Path, len(dev.Partitions), ErrUnexpectedLayout)
	}
	boot, root := dev.BootPart(), dev.RootPart()
	if boot.Fs != FsVfat {
		return fmt.Errorf("%s: first partition is %s, expected a FAT boot partition: %w",
			dev.Path, boot.Fs, ErrUnexpectedLayout)
	}
	switch root.Fs {
	case FsExt4, FsBtrfs, FsF2fs:
	default:
		return fmt.Errorf("%s: second partition is %s, expected ext4, btrfs or f2fs: %w",
			dev.Path, root.Fs, ErrUnexpectedLayout)
	}
	return nil
}

// MeasureRootUsage fills in the root partition's used-byte count by
// walking a mounted tree. If the root is already mounted (cloning the
// running system) the existing mountpoint is measured; otherwise the
// partition is mounted read-only for the duration of the measurement.
func MeasureRootUsage(ctx context.Context, sess *Session, dev *Device) error {
	root := dev.RootPart()
	logger := GetLogger(ctx).WithFields(logrus.Fields{
		"component": "inventory",
		"partition": root.Path,
	})

	target := root.Mountpoint
	if target == "" {
		tmp, err := os.MkdirTemp("", "raspi-clone-inv-")
		if err != nil {
			return fmt.Errorf("failed to create measurement mountpoint: %w", err)
		}
		sess.TrackDir(tmp, "inventory")
		if err := sess.MountReadOnly(ctx, root.Path, tmp, "inventory"); err != nil {
			return fmt.Errorf("failed to mount %s read-only: %w", root.Path, err)
		}
		defer func() {
			if err := sess.Unmount(ctx, tmp); err != nil {
				logger.WithError(err).Warn("failed to unmount measurement mount")
			}
			if err := os.RemoveAll(tmp); err == nil {
				sess.Forget(tmp)
			}
		}()
		target = tmp
	}

	usage, err := disk.UsageWithContext(ctx, target)
	if err != nil {
		return fmt.Errorf("failed to measure usage of %s: %w", target, err)
	}
	root.UsedBytes = usage.Used
	logger.WithField("used_bytes", root.UsedBytes).Debug("measured root usage")
	return nil
}

// readIdentity reads the generated filesystem and partition identifiers
// for one partition after formatting.
func readIdentity(ctx context.Context, runner Runner, part string) (uuid, partuuid string, err error) {
	out, err := runner.Output(ctx, "lsblk", "-no", "UUID,PARTUUID", part)
	if err != nil {
		return "", "", fmt.Errorf("failed to read identifiers for %s: %w", part, err)
	}
	fields := strings.Fields(out)
	if len(fields) < 2 {
		return "", "", fmt.Errorf("no identifiers reported for %s", part)
	}
	return fields[0], fields[1], nil
}

// scratchImagePath names the staging image for a session.
func scratchImagePath(scratchDir, sessionID string) string {
	return filepath.Join(scratchDir, "root-"+sessionID+".img")
}
