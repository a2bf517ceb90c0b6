package main

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// Runner executes external tools. The real implementation shells out;
// tests substitute a recording fake so command construction can be
// asserted without touching block devices.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
	Output(ctx context.Context, name string, args ...string) (string, error)
	RunInput(ctx context.Context, stdin string, name string, args ...string) error
}

type execRunner struct{}

// NewRunner returns a Runner that executes commands on the host.
func NewRunner() Runner {
	return execRunner{}
}

// commandEnv pins PATH so the tools we invoke are the system ones.
var commandEnv = []string{
	"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
}

func (execRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = commandEnv
	return runLogged(ctx, cmd)
}

func (execRunner) RunInput(ctx context.Context, stdin string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = commandEnv
	cmd.Stdin = strings.NewReader(stdin)
	return runLogged(ctx, cmd)
}

func (execRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = commandEnv
	logger := GetLogger(ctx).WithField("command", strings.Join(cmd.Args, " "))
	logger.Debug("running command")

	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			logger.WithFields(logrus.Fields{
				"error":  err,
				"stderr": string(exitErr.Stderr),
			}).Error("command failed")
		}
		return "", fmt.Errorf("%s failed: %w", name, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func runLogged(ctx context.Context, cmd *exec.Cmd) error {
	logger := GetLogger(ctx).WithField("command", strings.Join(cmd.Args, " "))
	logger.Debug("running command")

	output, err := cmd.CombinedOutput()
	if err != nil {
		logger.WithFields(logrus.Fields{
			"error":  err,
			"output": string(output),
		}).Error("command failed")
		return fmt.Errorf("%s failed: %w", cmd.Args[0], err)
	}
	if len(output) > 0 {
		logger.WithField("output", string(output)).Debug("command output")
	}
	return nil
}
