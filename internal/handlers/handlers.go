package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/felo/autoreply/internal/db"
	"github.com/felo/autoreply/internal/queue"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Handlers holds all HTTP handlers and their dependencies
type Handlers struct {
	db            *db.DB
	publisher     queue.Publisher
	retentionDays int
	logger        *slog.Logger
}

// New creates a new Handlers instance
func New(database *db.DB, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		db:            database,
		publisher:     queue.NopPublisher{},
		retentionDays: DefaultRetentionDays,
		logger:        logger,
	}
}

// WithPublisher announces emails ingested over HTTP through p.
func (h *Handlers) WithPublisher(p queue.Publisher) *Handlers {
	if p != nil {
		h.publisher = p
	}
	return h
}

// WithRetentionDays sets the cleanup age used when a request names none.
func (h *Handlers) WithRetentionDays(days int) *Handlers {
	if days > 0 {
		h.retentionDays = days
	}
	return h
}

// Router wires every route behind the request middleware.
func (h *Handlers) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Get("/stats", h.Stats)

	r.Route("/emails", func(r chi.Router) {
		r.Post("/", h.IngestEmail)
		r.Get("/pending", h.ListPending)
		r.Get("/{id}", h.GetEmail)
		r.Post("/{id}/begin", h.BeginProcessing)
		r.Post("/{id}/complete", h.CompleteProcessing)
		r.Post("/{id}/fail", h.FailProcessing)
		r.Post("/{id}/reply", h.RecordReply)
		r.Post("/{id}/reply-failed", h.MarkReplyFailed)
	})

	r.Route("/senders", func(r chi.Router) {
		r.Get("/", h.ListSenders)
		r.Get("/{address}", h.GetSender)
		r.Put("/{id}/notes", h.SetSenderNotes)
		r.Delete("/{id}", h.DeleteSender)
	})

	r.Post("/maintenance/cleanup", h.Cleanup)

	return otelhttp.NewHandler(r, "autoreply.http")
}

func (h *Handlers) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.InfoContext(r.Context(), "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

type errorBody struct {
	Error      string `json:"error"`
	ExistingID string `json:"existing_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps store errors onto HTTP status codes.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	body := errorBody{Error: err.Error()}

	var dup *db.DuplicateError
	switch {
	case errors.As(err, &dup):
		status = http.StatusConflict
		body.ExistingID = dup.ExistingID
	case errors.Is(err, db.ErrDuplicate),
		errors.Is(err, db.ErrInvalidState),
		errors.Is(err, db.ErrReferentialIntegrity):
		status = http.StatusConflict
	case errors.Is(err, db.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, db.ErrInvalidInput):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(db.ErrInvalidInput, err)
	}
	return nil
}

// queryInt reads a non-negative integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.Join(db.ErrInvalidInput, errors.New(name+" must be a non-negative integer"))
	}
	return n, nil
}
