package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// BootPatcher rewrites the cloned system's boot-time identifiers: the
// kernel command line's root reference and the static mount table, both
// pointing at the destination's freshly generated identifiers.
type BootPatcher struct {
	runner Runner
}

func NewBootPatcher(runner Runner) *BootPatcher {
	return &BootPatcher{runner: runner}
}

// RegenerateIdentifiers gives the destination root filesystem a fresh
// UUID. The block copy transfers the source filesystem verbatim, UUID
// included; two devices sharing a filesystem UUID confuse boot-by-UUID
// setups. Partition UUIDs are already fresh from the new table. FAT and
// f2fs have no in-place UUID rewrite tool, which is tolerable: all boot
// references the patcher writes use PARTUUIDs.
func (p *BootPatcher) RegenerateIdentifiers(ctx context.Context, dest string, rootFs FsKind) error {
	root := partitionPath(dest, 2)
	switch rootFs {
	case FsExt4:
		if err := p.runner.Run(ctx, "tune2fs", "-U", "random", root); err != nil {
			return fmt.Errorf("failed to regenerate root filesystem UUID: %w", err)
		}
	case FsBtrfs:
		if err := p.runner.Run(ctx, "btrfstune", "-f", "-u", root); err != nil {
			return fmt.Errorf("failed to regenerate root filesystem UUID: %w", err)
		}
	}
	return nil
}

// ReadIdentitySet reads the generated identifiers for both destination
// partitions. Must run after formatting; the result is consumed exactly
// once by Patch.
func (p *BootPatcher) ReadIdentitySet(ctx context.Context, dest string, rootFs FsKind) (IdentitySet, error) {
	var ids IdentitySet
	var err error

	ids.BootUUID, ids.BootPartUUID, err = readIdentity(ctx, p.runner, partitionPath(dest, 1))
	if err != nil {
		return IdentitySet{}, err
	}
	ids.RootUUID, ids.RootPartUUID, err = readIdentity(ctx, p.runner, partitionPath(dest, 2))
	if err != nil {
		return IdentitySet{}, err
	}

	// ext4/btrfs/f2fs filesystem UUIDs are canonical; a parse failure
	// means lsblk handed us something unusable for boot references.
	if rootFs != FsVfat && rootFs != FsUnknown {
		if _, perr := uuid.Parse(ids.RootUUID); perr != nil {
			return IdentitySet{}, fmt.Errorf("root filesystem UUID %q is not valid: %w", ids.RootUUID, perr)
		}
	}
	return ids, nil
}

// Patch mounts the destination root and boot partitions, rewrites the
// kernel command line and mount table, and optionally sets a new
// hostname. Idempotent: re-running replaces the same tokens again.
func (p *BootPatcher) Patch(ctx context.Context, sess *Session, dest string, ids IdentitySet, rootFs FsKind, hostname string) error {
	logger := GetLogger(ctx).WithFields(logrus.Fields{
		"component":     "bootpatch",
		"root_partuuid": ids.RootPartUUID,
	})
	logger.Info("patching boot identity")

	rootMount, err := os.MkdirTemp("", "raspi-clone-root-")
	if err != nil {
		return fmt.Errorf("failed to create patch mountpoint: %w", err)
	}
	sess.TrackDir(rootMount, "bootpatch")
	if err := sess.Mount(ctx, partitionPath(dest, 2), rootMount, "bootpatch"); err != nil {
		return err
	}

	bootMount := filepath.Join(rootMount, "boot")
	if err := sess.Mount(ctx, partitionPath(dest, 1), bootMount, "bootpatch"); err != nil {
		return err
	}

	if err := p.patchCmdlineFile(ctx, bootMount, ids.RootPartUUID); err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(rootMount, "etc", "fstab"),
		[]byte(renderFstab(ids, rootFs)), 0o644); err != nil {
		return fmt.Errorf("failed to write fstab: %w", err)
	}
	if hostname != "" {
		if err := patchHostname(rootMount, hostname); err != nil {
			return err
		}
	}

	// Boot is nested inside root; release in that order and keep the
	// session clean for teardown accounting.
	if err := sess.Unmount(ctx, bootMount); err != nil {
		return err
	}
	if err := sess.Unmount(ctx, rootMount); err != nil {
		return err
	}
	if err := os.RemoveAll(rootMount); err == nil {
		sess.Forget(rootMount)
	}

	logger.Info("boot identity patched")
	return nil
}

func (p *BootPatcher) patchCmdlineFile(ctx context.Context, bootMount, rootPartUUID string) error {
	path := filepath.Join(bootMount, "cmdline.txt")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			GetLogger(ctx).WithField("path", path).Warn("no kernel command line on boot partition, skipping")
			return nil
		}
		return fmt.Errorf("failed to read kernel command line: %w", err)
	}

	patched := patchCmdline(strings.TrimRight(string(data), "\n"), "PARTUUID="+rootPartUUID)
	if err := writeFileAtomic(path, []byte(patched+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write kernel command line: %w", err)
	}
	return nil
}

// patchCmdline replaces the whole value of the root= token with rootRef,
// appending the token if absent. Vendor first-boot resize hooks are
// dropped: the clone already sizes the root partition.
func patchCmdline(line, rootRef string) string {
	tokens := strings.Fields(line)
	out := make([]string, 0, len(tokens)+1)
	replaced := false
	for _, tok := range tokens {
		switch {
		case strings.HasPrefix(tok, "root="):
			out = append(out, "root="+rootRef)
			replaced = true
		case strings.HasPrefix(tok, "init=") && strings.Contains(tok, "init_resize"):
			// drop
		default:
			out = append(out, tok)
		}
	}
	if !replaced {
		out = append(out, "root="+rootRef)
	}
	return strings.Join(out, " ")
}

// renderFstab produces the complete static mount table for the clone:
// proc, boot by PARTUUID, root by PARTUUID. Nothing else survives from
// the source table; its references belong to the old device.
func renderFstab(ids IdentitySet, rootFs FsKind) string {
	rootType := string(rootFs)
	if rootFs == FsUnknown {
		rootType = "auto"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "proc                  /proc  proc  defaults          0  0\n")
	fmt.Fprintf(&b, "PARTUUID=%-12s /boot  vfat  defaults          0  2\n", ids.BootPartUUID)
	fmt.Fprintf(&b, "PARTUUID=%-12s /      %-5s defaults,noatime  0  1\n", ids.RootPartUUID, rootType)
	return b.String()
}

// patchHostname rewrites /etc/hostname and keeps /etc/hosts consistent.
func patchHostname(rootMount, hostname string) error {
	hostnamePath := filepath.Join(rootMount, "etc", "hostname")
	old, err := os.ReadFile(hostnamePath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read hostname: %w", err)
	}
	oldHost := strings.TrimSpace(string(old))

	if err := writeFileAtomic(hostnamePath, []byte(hostname+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write hostname: %w", err)
	}

	hostsPath := filepath.Join(rootMount, "etc", "hosts")
	hosts, err := os.ReadFile(hostsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read hosts: %w", err)
	}
	content := string(hosts)
	if oldHost != "" && oldHost != hostname {
		content = strings.ReplaceAll(content, oldHost, hostname)
	}
	if err := writeFileAtomic(hostsPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write hosts: %w", err)
	}
	return nil
}

// writeFileAtomic writes via a temp file and rename so a crash cannot
// leave a half-written boot file, then syncs the directory.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	dfd, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer dfd.Close()
	return dfd.Sync()
}
