//go:build !opencv

package opencv

import (
	"context"
	"fmt"

	"github.com/kaburia/RPi-cam/internal/camera"
	"github.com/kaburia/RPi-cam/internal/models"
)

// Available reports whether this build carries the OpenCV driver.
const Available = false

type Driver struct{}

func NewDriver(_, _, _, _ int) *Driver {
	return &Driver{}
}

func (d *Driver) Open(_ context.Context) (camera.Device, error) {
	return nil, fmt.Errorf("%w: built without the opencv tag", models.ErrCameraUnavailable)
}
