package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/lo"

	"github.com/kaburia/RPi-cam/internal/models"
)

// HTTPClassifier sends every image to a detection service and assembles the
// answers into one predictions file.
type HTTPClassifier struct {
	URL    string
	client *http.Client
}

func NewHTTPClassifier(baseURL string, client *http.Client) *HTTPClassifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClassifier{URL: strings.TrimRight(baseURL, "/"), client: client}
}

func (c *HTTPClassifier) Classify(ctx context.Context, folder string) (string, error) {
	images, err := listImages(folder)
	if err != nil {
		return "", classificationError(models.ReasonNoImagesFound, err)
	}
	if len(images) == 0 {
		return "", classificationError(models.ReasonNoImagesFound, fmt.Errorf("no images in %s", folder))
	}

	preds := models.Predictions{Predictions: make([]models.Prediction, 0, len(images))}
	for _, path := range images {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", classificationError(models.ReasonProcessCrashed, fmt.Errorf("read %s: %w", path, err))
		}

		detections, err := c.SendFrame(ctx, data, filepath.Base(path))
		if err != nil {
			return "", c.mapError(ctx, err)
		}
		preds.Predictions = append(preds.Predictions, toPrediction(path, detections))
	}

	output := OutputPath(folder)
	payload, err := json.MarshalIndent(preds, "", "  ")
	if err != nil {
		return "", classificationError(models.ReasonProcessCrashed, err)
	}
	if err := os.WriteFile(output, payload, 0o644); err != nil {
		return "", classificationError(models.ReasonProcessCrashed, fmt.Errorf("write predictions: %w", err))
	}

	slog.Info("classifier: detection service finished", "folder", folder, "images", len(images), "output", output)
	return output, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("bad status: %d, error: %s", e.code, e.body)
}

func (c *HTTPClassifier) mapError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return classificationError(models.ReasonTimeout, err)
	}

	var se *statusError
	if errors.As(err, &se) && se.code == http.StatusServiceUnavailable {
		return classificationError(models.ReasonModelLoadFailed, err)
	}
	return classificationError(models.ReasonProcessCrashed, err)
}

// SendFrame отправляет изображение JPEG байтами на /predict
func (c *HTTPClassifier) SendFrame(ctx context.Context, imageData []byte, filename string) ([]models.Detection, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	// Создаем form field с правильным Content-Type
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	h.Set("Content-Type", "image/jpeg")

	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("create form part: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL+"/predict", &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(bodyBytes))}
	}

	var detections []models.Detection
	if err := json.NewDecoder(resp.Body).Decode(&detections); err != nil {
		return nil, fmt.Errorf("decode detections: %w", err)
	}
	return detections, nil
}

func toPrediction(path string, detections []models.Detection) models.Prediction {
	pred := models.Prediction{Filepath: path, Detections: detections}
	if len(detections) == 0 {
		pred.Prediction = "blank"
		return pred
	}

	best := lo.MaxBy(detections, func(a, b models.Detection) bool { return a.Score > b.Score })
	pred.Prediction = best.Class
	pred.PredictionScore = best.Score
	return pred
}
