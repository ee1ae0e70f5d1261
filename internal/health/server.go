package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"

	"github.com/kaburia/RPi-cam/internal/models"
)

const defaultRunsLimit = 20

// RunIndex is the part of the archive the server reads from.
type RunIndex interface {
	Lookup(ctx context.Context, runID string) (*models.ClassificationRun, error)
	Recent(ctx context.Context, limit int) ([]models.ClassificationRun, error)
}

type Handlers struct {
	tracker *Tracker
	runs    RunIndex
}

func NewHandlers(tracker *Tracker, runs RunIndex) *Handlers {
	return &Handlers{tracker: tracker, runs: runs}
}

// Router registers the health and run routes.
func (h *Handlers) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.GetHealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/runs", h.ListRunsHandler).Methods(http.MethodGet)
	r.HandleFunc("/runs/{run_id}", h.GetRunHandler).Methods(http.MethodGet)
	r.HandleFunc("/runs/{run_id}/predictions", h.GetPredictionsHandler).Methods(http.MethodGet)
	return r
}

// GetHealthHandler отдаёт текущее состояние; 503 только когда процесс остановлен
func (h *Handlers) GetHealthHandler(w http.ResponseWriter, _ *http.Request) {
	report := h.tracker.Report()

	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (h *Handlers) ListRunsHandler(w http.ResponseWriter, r *http.Request) {
	runs, err := h.runs.Recent(r.Context(), defaultRunsLimit)
	if err != nil {
		slog.Error("health: list runs", "error", err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetRunHandler обработчик для получения информации о прогоне классификации
func (h *Handlers) GetRunHandler(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GetPredictionsHandler отдаёт сохранённый файл предсказаний прогона
func (h *Handlers) GetPredictionsHandler(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if run.ArtifactPath == "" {
		http.Error(w, "Run has no predictions", http.StatusNotFound)
		return
	}

	data, err := os.ReadFile(run.ArtifactPath)
	if err != nil {
		slog.Error("health: read predictions", "run_id", run.ID, "path", run.ArtifactPath, "error", err)
		http.Error(w, "Predictions unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (h *Handlers) lookup(w http.ResponseWriter, r *http.Request) (*models.ClassificationRun, bool) {
	runID := mux.Vars(r)["run_id"]

	run, err := h.runs.Lookup(r.Context(), runID)
	if errors.Is(err, models.ErrNotFound) {
		http.Error(w, "Run not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		slog.Error("health: lookup run", "run_id", runID, "error", err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return nil, false
	}
	return run, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// Serve runs the HTTP server until ctx is cancelled.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("health: server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
