package classifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kaburia/RPi-cam/internal/models"
)

const (
	FolderPlaceholder = "{folder}"
	OutputPlaceholder = "{output}"
	ModelPlaceholder  = "{model}"
)

// Keywords in stderr that mean the model or its runtime never came up.
var modelLoadKeywords = []string{
	"no module named",
	"modulenotfounderror",
	"unable to load model",
	"failed to load model",
	"could not load model",
	"error loading model",
}

// CommandClassifier runs SpeciesNet (or any compatible command) as a subprocess.
type CommandClassifier struct {
	command string
	args    []string
	model   string
}

func NewCommandClassifier(command string, args []string, model string) *CommandClassifier {
	return &CommandClassifier{command: command, args: args, model: model}
}

func (c *CommandClassifier) Classify(ctx context.Context, folder string) (string, error) {
	images, err := listImages(folder)
	if err != nil {
		return "", classificationError(models.ReasonNoImagesFound, err)
	}
	if len(images) == 0 {
		return "", classificationError(models.ReasonNoImagesFound, fmt.Errorf("no images in %s", folder))
	}

	path, err := exec.LookPath(c.command)
	if err != nil {
		return "", classificationError(models.ReasonModelLoadFailed, fmt.Errorf("classifier command %s: %w", c.command, err))
	}
	if c.model != "" {
		if _, err := os.Stat(c.model); err != nil {
			return "", classificationError(models.ReasonModelLoadFailed, fmt.Errorf("model %s: %w", c.model, err))
		}
	}

	output := OutputPath(folder)
	if err := os.Remove(output); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", classificationError(models.ReasonProcessCrashed, err)
	}

	replacer := strings.NewReplacer(
		FolderPlaceholder, folder,
		OutputPlaceholder, output,
		ModelPlaceholder, c.model,
	)
	args := make([]string, len(c.args))
	for i, a := range c.args {
		args[i] = replacer.Replace(a)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second
	setProcessGroup(cmd)

	start := time.Now()
	slog.Info("classifier: starting", "command", c.command, "folder", folder, "images", len(images))

	runErr := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", classificationError(models.ReasonTimeout, fmt.Errorf("classifier exceeded deadline after %s", time.Since(start).Round(time.Second)))
	}
	if runErr != nil {
		diag := strings.TrimSpace(stderr.String())
		cause := runErr
		if diag != "" {
			cause = fmt.Errorf("%w: %s", runErr, lastLines(diag, 3))
		}

		if isModelLoadFailure(diag) {
			return "", classificationError(models.ReasonModelLoadFailed, cause)
		}
		return "", classificationError(models.ReasonProcessCrashed, cause)
	}

	if err := validateArtifact(output, len(images)); err != nil {
		return "", classificationError(models.ReasonProcessCrashed, err)
	}

	slog.Info("classifier: finished", "folder", folder, "output", output, "took", time.Since(start).Round(time.Millisecond))
	return output, nil
}

func isModelLoadFailure(stderr string) bool {
	msg := strings.ToLower(stderr)
	for _, k := range modelLoadKeywords {
		if strings.Contains(msg, k) {
			return true
		}
	}
	return false
}

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
