package main

import (
	"errors"
	"reflect"
	"testing"
)

const (
	miB = uint64(1024 * 1024)
	giB = 1024 * miB
)

func defaultPlanInput() PlanInput {
	return PlanInput{
		BootSizeBytes:          256 * miB,
		RootSizeBytes:          3 * giB,
		RootUsedBytes:          1 * giB,
		BootMarginBytes:        DefaultBootMarginBytes,
		ShrinkMarginFloorBytes: DefaultShrinkMarginBytes,
		ShrinkMarginPercent:    DefaultShrinkMarginPercent,
	}
}

func TestBuildPlanGrow(t *testing.T) {
	in := defaultPlanInput()
	in.DestinationSizeBytes = 8 * giB

	plan, err := BuildPlan(in)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if plan.Mode != ModeGrow {
		t.Fatalf("mode = %s, want %s", plan.Mode, ModeGrow)
	}
	wantBoot := 320 * miB // 256 source + 64 margin
	if plan.BootSizeBytes != wantBoot {
		t.Errorf("boot size = %d, want %d", plan.BootSizeBytes, wantBoot)
	}
	wantRoot := 8*giB - wantBoot - TableOverheadBytes
	if plan.RootSizeBytes != wantRoot {
		t.Errorf("root size = %d, want %d", plan.RootSizeBytes, wantRoot)
	}
	if plan.ShrinkMarginBytes != 0 {
		t.Errorf("shrink margin = %d on a grow plan", plan.ShrinkMarginBytes)
	}
}

func TestBuildPlanDirect(t *testing.T) {
	in := defaultPlanInput()
	// Just enough for boot + table reserve + the root at source size.
	in.DestinationSizeBytes = 320*miB + TableOverheadBytes + in.RootSizeBytes

	plan, err := BuildPlan(in)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if plan.Mode != ModeDirect {
		t.Fatalf("mode = %s, want %s", plan.Mode, ModeDirect)
	}
	if plan.RootSizeBytes != in.RootSizeBytes {
		t.Errorf("root size = %d, want %d", plan.RootSizeBytes, in.RootSizeBytes)
	}
}

func TestBuildPlanShrink(t *testing.T) {
	in := defaultPlanInput()
	in.DestinationSizeBytes = 2 * giB

	plan, err := BuildPlan(in)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if plan.Mode != ModeShrink {
		t.Fatalf("mode = %s, want %s", plan.Mode, ModeShrink)
	}
	// 1 GiB used, 10% is under the 256 MiB floor, so the floor wins.
	if plan.ShrinkMarginBytes != DefaultShrinkMarginBytes {
		t.Errorf("shrink margin = %d, want %d", plan.ShrinkMarginBytes, uint64(DefaultShrinkMarginBytes))
	}
	wantRoot := 1280 * miB
	if plan.RootSizeBytes != wantRoot {
		t.Errorf("root size = %d, want %d", plan.RootSizeBytes, wantRoot)
	}
}

func TestBuildPlanShrinkProportionalMargin(t *testing.T) {
	in := defaultPlanInput()
	in.RootSizeBytes = 8 * giB
	in.RootUsedBytes = 4 * giB
	in.DestinationSizeBytes = 6 * giB

	plan, err := BuildPlan(in)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if plan.Mode != ModeShrink {
		t.Fatalf("mode = %s, want %s", plan.Mode, ModeShrink)
	}
	// 10% of 4 GiB beats the 256 MiB floor.
	wantMargin := 4 * giB * 10 / 100
	if plan.ShrinkMarginBytes != wantMargin {
		t.Errorf("shrink margin = %d, want %d", plan.ShrinkMarginBytes, wantMargin)
	}
	wantRoot := alignUp(4*giB + wantMargin)
	if plan.RootSizeBytes != wantRoot {
		t.Errorf("root size = %d, want %d", plan.RootSizeBytes, wantRoot)
	}
}

func TestBuildPlanInsufficientDestination(t *testing.T) {
	in := defaultPlanInput()
	in.DestinationSizeBytes = 1126 * miB // about 1.1 GiB

	_, err := BuildPlan(in)
	if !errors.Is(err, ErrInsufficientDestination) {
		t.Fatalf("err = %v, want ErrInsufficientDestination", err)
	}
}

func TestBuildPlanDestinationSmallerThanBoot(t *testing.T) {
	in := defaultPlanInput()
	in.DestinationSizeBytes = 100 * miB

	_, err := BuildPlan(in)
	if !errors.Is(err, ErrInsufficientDestination) {
		t.Fatalf("err = %v, want ErrInsufficientDestination", err)
	}
}

func TestBuildPlanDeterministic(t *testing.T) {
	in := defaultPlanInput()
	in.DestinationSizeBytes = 2 * giB

	a, err := BuildPlan(in)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	b, err := BuildPlan(in)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("plans differ for identical inputs: %+v vs %+v", a, b)
	}
}

func TestBuildPlanAlignment(t *testing.T) {
	in := defaultPlanInput()
	in.BootSizeBytes = 200*miB + 777 // deliberately unaligned
	in.DestinationSizeBytes = 8*giB + 12345

	plan, err := BuildPlan(in)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if plan.BootSizeBytes%AlignmentBytes != 0 {
		t.Errorf("boot size %d not aligned", plan.BootSizeBytes)
	}
	if plan.RootSizeBytes%AlignmentBytes != 0 {
		t.Errorf("root size %d not aligned", plan.RootSizeBytes)
	}
}

func TestAlignHelpers(t *testing.T) {
	if got := alignUp(1); got != AlignmentBytes {
		t.Errorf("alignUp(1) = %d", got)
	}
	if got := alignUp(AlignmentBytes); got != AlignmentBytes {
		t.Errorf("alignUp(exact) = %d", got)
	}
	if got := alignDown(AlignmentBytes + 1); got != AlignmentBytes {
		t.Errorf("alignDown = %d", got)
	}
	if got := alignDown(AlignmentBytes - 1); got != 0 {
		t.Errorf("alignDown(under) = %d", got)
	}
}
