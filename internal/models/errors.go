package models

import (
	"errors"
	"fmt"
)

var (
	ErrCameraUnavailable = errors.New("camera unavailable")
	ErrNotFound          = errors.New("not found")
	ErrInvalidConfig     = errors.New("invalid configuration")
)

// CaptureError is a failed open or capture. Fatal errors stop the scheduler,
// everything else is retried on the next interval.
type CaptureError struct {
	Reason string
	Fatal  bool
	Err    error
}

func (e *CaptureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("capture error (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("capture error (%s)", e.Reason)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

type ClassificationReason string

const (
	ReasonModelLoadFailed ClassificationReason = "model_load_failed"
	ReasonProcessCrashed  ClassificationReason = "process_crashed"
	ReasonTimeout         ClassificationReason = "timeout"
	ReasonNoImagesFound   ClassificationReason = "no_images_found"
)

// ClassificationError never stops the scheduler.
type ClassificationError struct {
	Reason ClassificationReason
	Err    error
}

func (e *ClassificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("classification error (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("classification error (%s)", e.Reason)
}

func (e *ClassificationError) Unwrap() error {
	return e.Err
}

// ArchiveWriteError means a predictions artifact could not be persisted.
type ArchiveWriteError struct {
	Path string
	Err  error
}

func (e *ArchiveWriteError) Error() string {
	return fmt.Sprintf("archive write %s: %v", e.Path, e.Err)
}

func (e *ArchiveWriteError) Unwrap() error {
	return e.Err
}

// StorageError is a failure to prepare on-disk storage for images.
type StorageError struct {
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err must stop the capture loop.
func IsFatal(err error) bool {
	var captureErr *CaptureError
	if errors.As(err, &captureErr) {
		return captureErr.Fatal
	}

	var storageErr *StorageError
	return errors.As(err, &storageErr)
}
