package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// PlanInput are the facts the layout planner works from. Sizes are
// whole-device byte counts, never partition-table nominal sizes.
type PlanInput struct {
	BootSizeBytes        uint64
	RootSizeBytes        uint64
	RootUsedBytes        uint64
	DestinationSizeBytes uint64

	BootMarginBytes        uint64
	ShrinkMarginFloorBytes uint64
	ShrinkMarginPercent    uint64
}

// BuildPlan computes the destination layout. Pure and deterministic:
// identical inputs always yield an identical plan.
//
// The boot partition gets the source size plus a fixed headroom margin.
// Whatever remains after the boot partition and the table reserve goes to
// root; if that is not enough to hold the source root at full size, the
// plan switches to shrink mode sized to used bytes plus a safety margin.
func BuildPlan(in PlanInput) (ClonePlan, error) {
	bootTarget := alignUp(in.BootSizeBytes + in.BootMarginBytes)

	if in.DestinationSizeBytes < bootTarget+TableOverheadBytes {
		return ClonePlan{}, fmt.Errorf(
			"destination %s cannot hold the %s boot partition: %w",
			humanize.IBytes(in.DestinationSizeBytes), humanize.IBytes(bootTarget),
			ErrInsufficientDestination)
	}
	remaining := alignDown(in.DestinationSizeBytes - bootTarget - TableOverheadBytes)

	plan := ClonePlan{
		BootSizeBytes:   bootTarget,
		BootMarginBytes: in.BootMarginBytes,
	}

	if remaining >= in.RootSizeBytes {
		plan.Mode = ModeGrow
		if remaining-in.RootSizeBytes <= AlignmentBytes {
			plan.Mode = ModeDirect
		}
		plan.RootSizeBytes = remaining
		return plan, nil
	}

	margin := in.ShrinkMarginFloorBytes
	if pct := in.RootUsedBytes * in.ShrinkMarginPercent / 100; pct > margin {
		margin = pct
	}
	required := alignUp(in.RootUsedBytes + margin)
	if required > remaining {
		return ClonePlan{}, fmt.Errorf(
			"root needs %s (%s used + %s margin) but only %s remains on the destination: %w",
			humanize.IBytes(required), humanize.IBytes(in.RootUsedBytes),
			humanize.IBytes(margin), humanize.IBytes(remaining),
			ErrInsufficientDestination)
	}

	plan.Mode = ModeShrink
	plan.RootSizeBytes = required
	plan.ShrinkMarginBytes = margin
	return plan, nil
}

func alignUp(n uint64) uint64 {
	return (n + AlignmentBytes - 1) / AlignmentBytes * AlignmentBytes
}

func alignDown(n uint64) uint64 {
	return n / AlignmentBytes * AlignmentBytes
}
