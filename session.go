package main

import (
	"context"
	"fmt"
	"os"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

type resourceKind int

const (
	resMount resourceKind = iota
	resLoop
	resFile
	resDir
)

type resource struct {
	kind  resourceKind
	path  string
	owner string
}

// Session tracks every mount, loop attachment and scratch file created
// during one clone invocation. Release tears everything down in reverse
// creation order (unmount before detach, detach before delete) and is
// safe to call on every exit path. The pipeline is single-threaded, so
// no locking is needed here.
type Session struct {
	ID        string
	runner    Runner
	resources []resource
	released  bool
}

func NewSession(runner Runner) *Session {
	return &Session{
		ID:     ulid.Make().String(),
		runner: runner,
	}
}

// Mount mounts dev at target (creating target) and registers the mount.
// Extra mount options are passed through to mount -o.
func (s *Session) Mount(ctx context.Context, dev, target, owner string, opts ...string) error {
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("failed to create mountpoint %s: %w", target, err)
	}
	args := []string{}
	for _, o := range opts {
		args = append(args, "-o", o)
	}
	args = append(args, dev, target)
	if err := s.runner.Run(ctx, "mount", args...); err != nil {
		return err
	}
	s.track(resMount, target, owner)
	return nil
}

// MountReadOnly mounts dev read-only at target.
func (s *Session) MountReadOnly(ctx context.Context, dev, target, owner string) error {
	return s.Mount(ctx, dev, target, owner, "ro")
}

// Unmount unmounts target and forgets it.
func (s *Session) Unmount(ctx context.Context, target string) error {
	if err := s.runner.Run(ctx, "umount", target); err != nil {
		return err
	}
	s.forget(target)
	return nil
}

// AttachLoop attaches file to a free loop device and registers it.
func (s *Session) AttachLoop(ctx context.Context, file, owner string) (string, error) {
	dev, err := s.runner.Output(ctx, "losetup", "-f", "--show", file)
	if err != nil {
		return "", fmt.Errorf("failed to attach loop device for %s: %w", file, err)
	}
	s.track(resLoop, dev, owner)
	return dev, nil
}

// DetachLoop detaches dev and forgets it.
func (s *Session) DetachLoop(ctx context.Context, dev string) error {
	if err := s.runner.Run(ctx, "losetup", "-d", dev); err != nil {
		return err
	}
	s.forget(dev)
	return nil
}

// TrackFile registers a scratch file for deletion at release.
func (s *Session) TrackFile(path, owner string) {
	s.track(resFile, path, owner)
}

// TrackDir registers a scratch directory for removal at release.
func (s *Session) TrackDir(path, owner string) {
	s.track(resDir, path, owner)
}

// Forget drops a tracked scratch file or directory without deleting it.
// Used for artifacts that an owner hands off or removes itself.
func (s *Session) Forget(path string) {
	s.forget(path)
}

// Outstanding reports how many resources are still registered.
func (s *Session) Outstanding() int {
	return len(s.resources)
}

// Release tears down all remaining resources in reverse creation order.
// Failures are logged and do not stop the remaining teardown. Calling
// Release more than once is a no-op.
func (s *Session) Release(ctx context.Context) {
	if s.released {
		return
	}
	s.released = true

	logger := GetLogger(ctx).WithFields(logrus.Fields{
		"component": "session",
		"session":   s.ID,
	})

	for i := len(s.resources) - 1; i >= 0; i-- {
		r := s.resources[i]
		l := logger.WithFields(logrus.Fields{"path": r.path, "owner": r.owner})
		var err error
		switch r.kind {
		case resMount:
			err = s.runner.Run(ctx, "umount", r.path)
		case resLoop:
			err = s.runner.Run(ctx, "losetup", "-d", r.path)
		case resFile:
			err = os.Remove(r.path)
		case resDir:
			err = os.RemoveAll(r.path)
		}
		if err != nil {
			l.WithError(err).Warn("failed to release resource")
			continue
		}
		l.Debug("released resource")
	}
	s.resources = nil
}

func (s *Session) track(kind resourceKind, path, owner string) {
	s.resources = append(s.resources, resource{kind: kind, path: path, owner: owner})
}

func (s *Session) forget(path string) {
	for i := len(s.resources) - 1; i >= 0; i-- {
		if s.resources[i].path == path {
			s.resources = append(s.resources[:i], s.resources[i+1:]...)
			return
		}
	}
}
