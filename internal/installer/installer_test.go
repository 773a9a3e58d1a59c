package installer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	name string
	args []string
}

func fakeRun(out string, err error, calls *[]call) runFunc {
	return func(_ context.Context, name string, args ...string) ([]byte, error) {
		*calls = append(*calls, call{name: name, args: args})
		return []byte(out), err
	}
}

func TestCommandInstaller_SubstitutesPath(t *testing.T) {
	var calls []call

	i := &CommandInstaller{
		Command: []string{"adb", "install", "-r", "{path}"},
		run:     fakeRun("Success", nil, &calls),
	}

	require.NoError(t, i.Install(context.Background(), "/tmp/My-App-b1.apk"))
	require.Len(t, calls, 1)
	assert.Equal(t, "adb", calls[0].name)
	assert.Equal(t, []string{"install", "-r", "/tmp/My-App-b1.apk"}, calls[0].args)
}

func TestCommandInstaller_AppendsPathWithoutPlaceholder(t *testing.T) {
	var calls []call

	i := &CommandInstaller{
		Command: []string{"pm", "install"},
		run:     fakeRun("", nil, &calls),
	}

	require.NoError(t, i.Install(context.Background(), "/tmp/app.apk"))
	assert.Equal(t, []string{"install", "/tmp/app.apk"}, calls[0].args)
}

func TestCommandInstaller_FailureReason(t *testing.T) {
	var calls []call

	exitErr := errors.New("exit status 1")
	i := &CommandInstaller{
		Command: []string{"adb", "install", "{path}"},
		run:     fakeRun("Performing Streamed Install\nadb: failed to install: Failure [INSTALL_FAILED_VERSION_DOWNGRADE]\n", exitErr, &calls),
	}

	err := i.Install(context.Background(), "/tmp/app.apk")
	require.Error(t, err)

	var installErr *InstallError
	require.ErrorAs(t, err, &installErr)
	assert.Equal(t, "INSTALL_FAILED_VERSION_DOWNGRADE", installErr.Reason)
	assert.ErrorIs(t, err, exitErr)
	assert.Contains(t, err.Error(), "INSTALL_FAILED_VERSION_DOWNGRADE")
}

func TestCommandInstaller_EmptyCommand(t *testing.T) {
	i := NewCommandInstaller(nil)
	require.ErrorIs(t, i.Install(context.Background(), "/tmp/app.apk"), ErrEmptyCommand)
}

func TestRunCommand(t *testing.T) {
	out, err := runCommand(context.Background(), os.Args[0], "-test.run=^$")
	require.NoError(t, err, string(out))
}

func TestInspect_NotAnAPK(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.apk")
	require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0o644))

	_, err := Inspect(path)
	require.Error(t, err)
}
