package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kaburia/RPi-cam/internal/models"
)

// OutputPlaceholder is replaced by the destination path in command arguments.
const OutputPlaceholder = "{output}"

// CommandDriver captures stills by running a command such as libcamera-still.
type CommandDriver struct {
	command string
	args    []string
}

// NewCommandDriver creates a driver for the given command. Args must contain
// OutputPlaceholder; if it does not, "-o {output}" is appended.
func NewCommandDriver(command string, args []string) *CommandDriver {
	if !containsPlaceholder(args) {
		args = append(append([]string{}, args...), "-o", OutputPlaceholder)
	}
	return &CommandDriver{command: command, args: args}
}

// Open checks that the capture command is installed.
func (d *CommandDriver) Open(_ context.Context) (Device, error) {
	path, err := exec.LookPath(d.command)
	if err != nil {
		return nil, fmt.Errorf("%w: capture command %s not found: %v", models.ErrCameraUnavailable, d.command, err)
	}
	return &commandDevice{path: path, args: d.args}, nil
}

type commandDevice struct {
	path string
	args []string
}

func (c *commandDevice) Capture(ctx context.Context, path string) error {
	args := make([]string, len(c.args))
	for i, a := range c.args {
		args[i] = strings.ReplaceAll(a, OutputPlaceholder, path)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.path, args...)
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		os.Remove(path)

		output := strings.TrimSpace(stderr.String())
		category := ClassifyFailure(output)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			category = FailureTimeout
		}

		cause := err
		if output != "" {
			cause = fmt.Errorf("%w: %s", err, lastLine(output))
		}
		return &models.CaptureError{
			Reason: category.String(),
			Fatal:  category == FailureNoDevice,
			Err:    cause,
		}
	}

	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		os.Remove(path)
		return &models.CaptureError{
			Reason: "empty_frame",
			Err:    fmt.Errorf("capture command produced no image at %s", path),
		}
	}

	return nil
}

func (c *commandDevice) Close() error {
	return nil
}

func containsPlaceholder(args []string) bool {
	for _, a := range args {
		if strings.Contains(a, OutputPlaceholder) {
			return true
		}
	}
	return false
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
