package installer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/applivery/updater/internal/logctx"
)

// PathPlaceholder is replaced by the package path in the install command.
const PathPlaceholder = "{path}"

var (
	ErrEmptyCommand = errors.New("install command is empty")

	failurePattern = regexp.MustCompile(`Failure \[([\w_ ]+)\]`)
)

// InstallError carries the output of a failed install command. Reason is the
// package manager failure code (e.g. INSTALL_FAILED_VERSION_DOWNGRADE) when
// the output contains one.
type InstallError struct {
	Path   string
	Reason string
	Output string
	Err    error
}

func (e *InstallError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("install of %s failed: %s: %v", e.Path, e.Reason, e.Err)
	}

	return fmt.Sprintf("install of %s failed: %v", e.Path, e.Err)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// CommandInstaller hands a package to an external command such as
// "adb install -r {path}".
type CommandInstaller struct {
	Command []string

	run runFunc
}

func NewCommandInstaller(command []string) *CommandInstaller {
	return &CommandInstaller{Command: command, run: runCommand}
}

func (i *CommandInstaller) Install(ctx context.Context, path string) error {
	args, err := i.args(path)
	if err != nil {
		return err
	}

	logger := logctx.LoggerFromContext(ctx).With("path", path)

	if info, err := Inspect(path); err != nil {
		logger.WarnContext(ctx, "could not inspect package", "err", err)
	} else {
		logger = logger.With("package", info.Name, "version_code", info.VersionCode, "version_name", info.VersionName)
	}

	logger.InfoContext(ctx, "installing package", "command", args[0])

	run := i.run
	if run == nil {
		run = runCommand
	}

	out, err := run(ctx, args[0], args[1:]...)
	if err != nil {
		installErr := &InstallError{Path: path, Output: string(out), Err: err}
		if m := failurePattern.FindStringSubmatch(string(out)); len(m) > 1 {
			installErr.Reason = m[1]
		}

		return installErr
	}

	logger.InfoContext(ctx, "package installed")

	return nil
}

func (i *CommandInstaller) args(path string) ([]string, error) {
	if len(i.Command) == 0 || strings.TrimSpace(i.Command[0]) == "" {
		return nil, ErrEmptyCommand
	}

	args := make([]string, 0, len(i.Command)+1)
	substituted := false

	for _, a := range i.Command {
		if strings.Contains(a, PathPlaceholder) {
			a = strings.ReplaceAll(a, PathPlaceholder, path)
			substituted = true
		}

		args = append(args, a)
	}

	if !substituted {
		args = append(args, path)
	}

	return args, nil
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	var out bytes.Buffer

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()

	return out.Bytes(), err
}
