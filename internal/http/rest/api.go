package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/italolelis/novel_downloader/internal/library"
	"github.com/italolelis/novel_downloader/internal/logctx"
	"github.com/italolelis/novel_downloader/internal/orchestrator"
	"github.com/italolelis/novel_downloader/internal/queue"
	"github.com/italolelis/novel_downloader/internal/restore"
	"github.com/italolelis/novel_downloader/internal/runner"
)

const maxBodySize = 1 << 20

// Service is the part of the orchestrator the API exposes.
type Service interface {
	DownloadChapters(ctx context.Context, novelID int64, chapterIDs []int64) (int, error)
	RemoveDownloads(ctx context.Context, chapterIDs []int64) (int, error)
	Queue(ctx context.Context, action queue.Action) ([]queue.WorkItem, error)
	Resume(ctx context.Context, action queue.Action) (runner.StartResult, error)
	Pause(ctx context.Context, action queue.Action) error
	Cancel(ctx context.Context, action queue.Action) error
	CreateBackup(ctx context.Context) (runner.StartResult, error)
	RestoreBackup(ctx context.Context, path string) (int, error)
	RestoreErrors(ctx context.Context) (int, error)
	Status(ctx context.Context) (orchestrator.Status, error)
}

type downloadRequest struct {
	ChapterIDs []int64 `json:"chapterIds" validate:"omitempty,dive,gt=0"`
}

type removeRequest struct {
	ChapterIDs []int64 `json:"chapterIds" validate:"required,min=1,dive,gt=0"`
}

type restoreRequest struct {
	File string `json:"file" validate:"required,endswith=.json"`
}

type queuedResponse struct {
	Queued int `json:"queued"`
}

type startResponse struct {
	Result string `json:"result"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type APIHandler struct {
	svc       Service
	backupDir string
	username  string
	password  string
	validate  *validator.Validate
}

// NewAPIHandler creates the queue API. Requests need basic auth when a
// username is set.
func NewAPIHandler(svc Service, backupDir, username, password string) *APIHandler {
	return &APIHandler{
		svc:       svc,
		backupDir: backupDir,
		username:  username,
		password:  password,
		validate:  validator.New(),
	}
}

func (h *APIHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Post("/novels/{novelID}/downloads", h.HandleDownload)

	r.Get("/downloads", h.HandleQueue(queue.ActionDownload))
	r.Delete("/downloads", h.HandleRemoveDownloads)
	r.Post("/downloads/{op}", h.HandleControl(queue.ActionDownload))

	r.Get("/backups", h.HandleListBackups)
	r.Post("/backups", h.HandleCreateBackup)

	r.Get("/restores", h.HandleQueue(queue.ActionRestore))
	r.Post("/restores", h.HandleRestore)
	r.Post("/restores/errors", h.HandleRestoreErrors)
	r.Post("/restores/{op}", h.HandleControl(queue.ActionRestore))

	r.Get("/status", h.HandleStatus)

	return r
}

// HandleDownload queues chapters of a novel. An empty body queues every
// chapter not downloaded yet.
func (h *APIHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	novelID, err := library.ParseID(chi.URLParam(r, "novelID"))
	if err != nil {
		writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "invalid novel id"})

		return
	}

	var req downloadRequest
	if r.ContentLength != 0 {
		if !h.decode(w, r, &req) {
			return
		}
	}

	n, err := h.svc.DownloadChapters(r.Context(), novelID, req.ChapterIDs)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusAccepted, queuedResponse{Queued: n})
}

func (h *APIHandler) HandleQueue(action queue.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := h.svc.Queue(r.Context(), action)
		if err != nil {
			writeError(w, r, err)

			return
		}

		if items == nil {
			items = []queue.WorkItem{}
		}

		writeJSON(w, r, http.StatusOK, items)
	}
}

func (h *APIHandler) HandleRemoveDownloads(w http.ResponseWriter, r *http.Request) {
	var req removeRequest
	if !h.decode(w, r, &req) {
		return
	}

	n, err := h.svc.RemoveDownloads(r.Context(), req.ChapterIDs)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, map[string]int{"removed": n})
}

// HandleControl pauses, resumes or cancels the action's queue.
func (h *APIHandler) HandleControl(action queue.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var err error

		switch op := chi.URLParam(r, "op"); op {
		case "pause":
			err = h.svc.Pause(ctx, action)
		case "cancel":
			err = h.svc.Cancel(ctx, action)
		case "resume":
			var res runner.StartResult

			res, err = h.svc.Resume(ctx, action)
			if err == nil {
				writeJSON(w, r, http.StatusAccepted, startResponse{Result: res.String()})

				return
			}
		default:
			writeJSON(w, r, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("unknown operation %s", op)})

			return
		}

		if err != nil {
			writeError(w, r, err)

			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *APIHandler) HandleListBackups(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(h.backupDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		writeError(w, r, err)

		return
	}

	names := []string{}

	for _, e := range entries {
		if !e.IsDir() && restore.IsBackupFile(e.Name()) {
			names = append(names, e.Name())
		}
	}

	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	writeJSON(w, r, http.StatusOK, names)
}

func (h *APIHandler) HandleCreateBackup(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.CreateBackup(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusAccepted, startResponse{Result: res.String()})
}

// HandleRestore restores a backup file from the backup directory.
func (h *APIHandler) HandleRestore(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if !h.decode(w, r, &req) {
		return
	}

	path := filepath.Join(h.backupDir, filepath.Base(req.File))

	n, err := h.svc.RestoreBackup(r.Context(), path)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusAccepted, queuedResponse{Queued: n})
}

func (h *APIHandler) HandleRestoreErrors(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.RestoreErrors(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusAccepted, queuedResponse{Queued: n})
}

func (h *APIHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Status(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, st)
}

func (h *APIHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	logger := logctx.LoggerFromContext(r.Context())

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		logger.Debug("failed to decode request", "err", err)
		writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "invalid request body"})

		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		logger.Debug("invalid request", "err", err)
		writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: err.Error()})

		return false
	}

	return true
}

func (h *APIHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func statusFor(err error) int {
	switch {
	case runner.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, library.ErrNotFound),
		errors.Is(err, restore.ErrNoLedger),
		errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrNothingQueued),
		errors.Is(err, restore.ErrEmptyBackup):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	if status == http.StatusInternalServerError {
		logctx.LoggerFromContext(r.Context()).Error("failed to handle request", "path", r.URL.Path, "err", err)
		writeJSON(w, r, status, errorResponse{Error: "internal server error"})

		return
	}

	writeJSON(w, r, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}
