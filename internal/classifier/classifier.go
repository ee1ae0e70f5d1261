// Package classifier runs a wildlife classification model over a folder of
// images and returns the path of the predictions file it produced.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kaburia/RPi-cam/internal/models"
)

// Classifier is implemented by every model invoker. Failures are always
// *models.ClassificationError.
type Classifier interface {
	Classify(ctx context.Context, folder string) (string, error)
}

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// OutputPath is where a classifier writes predictions for folder.
func OutputPath(folder string) string {
	return filepath.Clean(folder) + "_predictions.json"
}

func listImages(folder string) ([]string, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, err
	}

	var images []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			images = append(images, filepath.Join(folder, e.Name()))
		}
	}
	return images, nil
}

// validateArtifact checks that path holds predictions for at least expected images.
func validateArtifact(path string, expected int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read predictions: %w", err)
	}

	var preds models.Predictions
	if err := json.Unmarshal(data, &preds); err != nil {
		return fmt.Errorf("parse predictions: %w", err)
	}

	if len(preds.Predictions) < expected {
		return fmt.Errorf("predictions cover %d of %d images", len(preds.Predictions), expected)
	}
	return nil
}

func classificationError(reason models.ClassificationReason, err error) error {
	return &models.ClassificationError{Reason: reason, Err: err}
}
