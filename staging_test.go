package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func stagingSource(mountpoint string) *Device {
	return &Device{
		Path:      "/dev/mmcblk0",
		SizeBytes: 16 * giB,
		Partitions: []Partition{
			{Path: "/dev/mmcblk0p1", Index: 1, Fs: FsVfat, SizeBytes: 256 * miB},
			{Path: "/dev/mmcblk0p2", Index: 2, Fs: FsExt4, SizeBytes: 15 * giB,
				UsedBytes: 4 * miB, Mountpoint: mountpoint},
		},
	}
}

func TestStagingBuild(t *testing.T) {
	runner := newFakeRunner()
	runner.outputs["losetup"] = "/dev/loop7"
	scratch := t.TempDir()

	sess := NewSession(runner)
	defer sess.Release(context.Background())

	src := stagingSource("/")
	plan := ClonePlan{Mode: ModeShrink, RootSizeBytes: 8 * miB}

	image, err := NewStagingEngine(runner, scratch).Build(context.Background(), sess, src, plan)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	wantPath := scratchImagePath(scratch, sess.ID)
	if image.BackingPath != wantPath {
		t.Errorf("backing path = %s, want %s", image.BackingPath, wantPath)
	}
	info, err := os.Stat(image.BackingPath)
	if err != nil {
		t.Fatalf("backing file missing: %v", err)
	}
	if uint64(info.Size()) != plan.RootSizeBytes {
		t.Errorf("backing size = %d, want %d", info.Size(), plan.RootSizeBytes)
	}

	cmds := runner.commands()
	var rsync string
	mounts := 0
	for _, c := range cmds {
		if strings.HasPrefix(c, "rsync ") {
			rsync = c
		}
		if strings.HasPrefix(c, "mount ") {
			mounts++
		}
	}
	if rsync == "" {
		t.Fatalf("no rsync call in %v", cmds)
	}
	for _, flag := range []string{"-aAXH", "--numeric-ids", "--delete", "--exclude /proc/*", "--exclude /lost+found"} {
		if !strings.Contains(rsync, flag) {
			t.Errorf("rsync missing %q: %s", flag, rsync)
		}
	}
	for _, c := range runner.calls {
		if c.name != "rsync" {
			continue
		}
		// Source is the live root, already mounted at /.
		if src := c.args[len(c.args)-2]; src != "//" {
			t.Errorf("rsync source = %q, want the existing mountpoint", src)
		}
	}
	// The source was already mounted, so only the image gets mounted.
	if mounts != 1 {
		t.Errorf("mount calls = %d, want 1", mounts)
	}

	// Loop device and image mount are released; the backing file survives.
	for _, c := range cmds {
		if c == "losetup -d /dev/loop7" {
			return
		}
	}
	t.Errorf("loop device not detached: %v", cmds)
}

func TestStagingBuildMountsSourceReadOnly(t *testing.T) {
	runner := newFakeRunner()
	runner.outputs["losetup"] = "/dev/loop7"
	scratch := t.TempDir()

	sess := NewSession(runner)
	defer sess.Release(context.Background())

	src := stagingSource("") // root not mounted
	plan := ClonePlan{Mode: ModeShrink, RootSizeBytes: 8 * miB}

	if _, err := NewStagingEngine(runner, scratch).Build(context.Background(), sess, src, plan); err != nil {
		t.Fatalf("Build: %v", err)
	}

	found := false
	for _, c := range runner.calls {
		if c.name == "mount" && len(c.args) >= 3 && c.args[0] == "-o" && c.args[1] == "ro" && c.args[2] == "/dev/mmcblk0p2" {
			found = true
		}
	}
	if !found {
		t.Fatalf("source root not mounted read-only: %v", runner.commands())
	}
}

func TestStagingBuildInsufficientScratch(t *testing.T) {
	runner := newFakeRunner()
	scratch := t.TempDir()

	sess := NewSession(runner)
	defer sess.Release(context.Background())

	src := stagingSource("/")
	// No filesystem has this much free space.
	plan := ClonePlan{Mode: ModeShrink, RootSizeBytes: 1 << 62}

	_, err := NewStagingEngine(runner, scratch).Build(context.Background(), sess, src, plan)
	if !errors.Is(err, ErrInsufficientScratchSpace) {
		t.Fatalf("err = %v, want ErrInsufficientScratchSpace", err)
	}
	if len(runner.calls) != 0 {
		t.Errorf("commands ran before the space check failed: %v", runner.commands())
	}
	if _, serr := os.Stat(scratchImagePath(scratch, sess.ID)); !os.IsNotExist(serr) {
		t.Error("staging image was allocated despite the space check")
	}
}

func TestCreateSparseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sparse.img")
	if err := createSparseFile(path, int64(4*miB)); err != nil {
		t.Fatalf("createSparseFile: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if uint64(info.Size()) != 4*miB {
		t.Errorf("size = %d, want %d", info.Size(), 4*miB)
	}
}
