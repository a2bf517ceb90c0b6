package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// FsKind identifies the filesystem on a partition. Only the kinds a
// two-partition boot device can reasonably carry are distinguished;
// everything else is FsUnknown and handled by the slow copy path.
type FsKind string

const (
	FsVfat    FsKind = "vfat"
	FsExt4    FsKind = "ext4"
	FsBtrfs   FsKind = "btrfs"
	FsF2fs    FsKind = "f2fs"
	FsUnknown FsKind = "unknown"
)

// fsKindFromLsblk normalizes an lsblk FSTYPE value.
func fsKindFromLsblk(s string) FsKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "vfat", "fat", "fat16", "fat32", "msdos":
		return FsVfat
	case "ext4":
		return FsExt4
	case "btrfs":
		return FsBtrfs
	case "f2fs":
		return FsF2fs
	default:
		return FsUnknown
	}
}

// Partition describes one partition of an inspected device.
type Partition struct {
	Path       string // device node, e.g. /dev/mmcblk0p1
	Index      int    // 1 = boot, 2 = root
	SizeBytes  uint64
	Fs         FsKind
	UsedBytes  uint64 // root only, measured; 0 until MeasureRootUsage
	Boot       bool
	UUID       string
	PartUUID   string
	Mountpoint string // empty when not mounted
}

// Device describes an inspected block device.
type Device struct {
	Path       string
	SizeBytes  uint64
	Partitions []Partition
}

// BootPart returns the boot partition (index 1) or nil.
func (d *Device) BootPart() *Partition {
	for i := range d.Partitions {
		if d.Partitions[i].Index == 1 {
			return &d.Partitions[i]
		}
	}
	return nil
}

// RootPart returns the root partition (index 2) or nil.
func (d *Device) RootPart() *Partition {
	for i := range d.Partitions {
		if d.Partitions[i].Index == 2 {
			return &d.Partitions[i]
		}
	}
	return nil
}

// CloneMode classifies how the root partition's target size relates to
// the source's.
type CloneMode string

const (
	ModeDirect CloneMode = "direct"
	ModeShrink CloneMode = "shrink"
	ModeGrow   CloneMode = "grow"
)

// ClonePlan is the computed target layout for the destination. Immutable
// once built.
type ClonePlan struct {
	Mode              CloneMode
	BootSizeBytes     uint64
	RootSizeBytes     uint64
	BootMarginBytes   uint64
	ShrinkMarginBytes uint64 // 0 unless Mode == ModeShrink
}

func (p ClonePlan) String() string {
	s := fmt.Sprintf("mode=%s boot=%s root=%s", p.Mode,
		humanize.IBytes(p.BootSizeBytes), humanize.IBytes(p.RootSizeBytes))
	if p.Mode == ModeShrink {
		s += fmt.Sprintf(" (shrink margin %s)", humanize.IBytes(p.ShrinkMarginBytes))
	}
	return s
}

// IdentitySet holds the destination-side identifiers generated by
// formatting. Consumed once by the boot identity patcher.
type IdentitySet struct {
	BootUUID     string
	BootPartUUID string
	RootUUID     string
	RootPartUUID string
}

// ResizeWarning records a non-fatal inability to grow a filesystem.
type ResizeWarning struct {
	Fs     FsKind
	Reason string
}

func (w ResizeWarning) String() string {
	return fmt.Sprintf("%s: %s", w.Fs, w.Reason)
}

// CloneOptions are the user-facing knobs for one clone invocation.
type CloneOptions struct {
	Source      string
	Destination string
	Force       bool
	Hostname    string

	BootMarginBytes     uint64
	ShrinkMarginBytes   uint64 // fixed floor
	ShrinkMarginPercent uint64 // proportional component, percent of used bytes

	ScratchDir  string
	JournalPath string
}

// Journal states for a clone run.
const (
	StatePlanned = "planned"
	StateWriting = "writing"
	StateCloned  = "cloned"
	StatePatched = "patched"
	StateDone    = "done"
	StateFailed  = "failed"
)

const (
	DefaultBootMarginBytes     = 64 * 1024 * 1024
	DefaultShrinkMarginBytes   = 256 * 1024 * 1024
	DefaultShrinkMarginPercent = 10

	// All partition boundaries are aligned to 1 MiB; a fixed reserve
	// covers the partition table and alignment gaps.
	AlignmentBytes     = 1 * 1024 * 1024
	TableOverheadBytes = 4 * 1024 * 1024

	DefaultScratchDir  = "/var/tmp/raspi-clone"
	DefaultJournalPath = "/var/lib/raspi-clone/journal.sqlite"
)

// partitionPath derives a partition device node from a whole-disk node.
// mmcblk/nvme/loop disks insert a "p" before the partition number.
func partitionPath(disk string, index int) string {
	name := strings.TrimPrefix(disk, "/dev/")
	if strings.HasPrefix(name, "mmcblk") || strings.HasPrefix(name, "nvme") || strings.HasPrefix(name, "loop") {
		return fmt.Sprintf("/dev/%sp%d", name, index)
	}
	return fmt.Sprintf("/dev/%s%d", name, index)
}
