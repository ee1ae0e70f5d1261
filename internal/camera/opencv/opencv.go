//go:build opencv

// Package opencv captures stills from a V4L2/USB camera through OpenCV.
// Build with -tags opencv; the binary then needs the OpenCV shared libraries.
package opencv

import (
	"context"
	"fmt"
	"log/slog"

	"gocv.io/x/gocv"

	"github.com/kaburia/RPi-cam/internal/camera"
	"github.com/kaburia/RPi-cam/internal/models"
)

// Available reports whether this build carries the OpenCV driver.
const Available = true

type Driver struct {
	deviceID     int
	width        int
	height       int
	warmupFrames int
}

func NewDriver(deviceID, width, height, warmupFrames int) *Driver {
	return &Driver{
		deviceID:     deviceID,
		width:        width,
		height:       height,
		warmupFrames: warmupFrames,
	}
}

func (d *Driver) Open(_ context.Context) (camera.Device, error) {
	webcam, err := gocv.OpenVideoCapture(d.deviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: open device %d: %v", models.ErrCameraUnavailable, d.deviceID, err)
	}
	if !webcam.IsOpened() {
		webcam.Close()
		return nil, fmt.Errorf("%w: device %d is not opened", models.ErrCameraUnavailable, d.deviceID)
	}

	if d.width > 0 && d.height > 0 {
		webcam.Set(gocv.VideoCaptureFrameWidth, float64(d.width))
		webcam.Set(gocv.VideoCaptureFrameHeight, float64(d.height))
	}

	return &device{webcam: webcam, warmupFrames: d.warmupFrames}, nil
}

type device struct {
	webcam       *gocv.VideoCapture
	warmupFrames int
}

func (d *device) Capture(ctx context.Context, path string) error {
	img := gocv.NewMat()
	defer img.Close()

	// первые кадры после открытия пересвечены, пока камера подстраивает экспозицию
	for i := 0; i < d.warmupFrames; i++ {
		if err := ctx.Err(); err != nil {
			return &models.CaptureError{Reason: camera.FailureTimeout.String(), Err: err}
		}
		d.webcam.Read(&img)
	}

	if ok := d.webcam.Read(&img); !ok || img.Empty() {
		return &models.CaptureError{
			Reason: camera.FailureUnknown.String(),
			Err:    fmt.Errorf("cannot read frame"),
		}
	}

	if ok := gocv.IMWrite(path, img); !ok {
		return &models.CaptureError{
			Reason: camera.FailureUnknown.String(),
			Err:    fmt.Errorf("cannot write frame to %s", path),
		}
	}

	slog.Debug("opencv: frame written", "path", path, "cols", img.Cols(), "rows", img.Rows())
	return nil
}

func (d *device) Close() error {
	return d.webcam.Close()
}
