// Package camera defines the capture driver contract used by the scheduler
// and a driver that shells out to a still-capture command.
//
// Implementations must guarantee:
//   - Open returns an error wrapping models.ErrCameraUnavailable when no device can be acquired
//   - Capture returns a *models.CaptureError on failure and leaves no file at path
//   - Close is safe to call once after every successful Open
package camera

import (
	"context"
	"strings"
)

// Driver acquires the camera device.
type Driver interface {
	Open(ctx context.Context) (Device, error)
}

// Device is an acquired camera. It is owned by one capture at a time.
type Device interface {
	// Capture writes one still image to path.
	Capture(ctx context.Context, path string) error
	Close() error
}

// FailureCategory groups capture failures for retry decisions.
type FailureCategory int

const (
	// FailureBusy indicates another process holds the device
	FailureBusy FailureCategory = iota
	// FailureTimeout indicates the frame did not arrive in time
	FailureTimeout
	// FailureNoDevice indicates no camera is attached or detected
	FailureNoDevice
	// FailureUnknown indicates an unclassified failure
	FailureUnknown
)

func (f FailureCategory) String() string {
	switch f {
	case FailureBusy:
		return "busy"
	case FailureTimeout:
		return "timeout"
	case FailureNoDevice:
		return "no_device"
	default:
		return "unknown"
	}
}

// ClassifyFailure categorizes a failure from the driver's diagnostic output.
func ClassifyFailure(output string) FailureCategory {
	msg := strings.ToLower(output)

	switch {
	case containsAny(msg, "no cameras available", "no camera", "camera not found", "no such device", "cannot open camera"):
		return FailureNoDevice
	case containsAny(msg, "busy", "in use", "resource temporarily unavailable"):
		return FailureBusy
	case containsAny(msg, "timeout", "timed out", "dequeue timer"):
		return FailureTimeout
	default:
		return FailureUnknown
	}
}

func containsAny(s string, keywords ...string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
