// Package statusapi serves the read model and queue controls to the local UI.
package statusapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"meshledger/coordinator"
	"meshledger/metrics"
	"meshledger/models"
	"meshledger/queue"
	"meshledger/storage"
)

const maxAlerts = 32

// Queue is what the API reads and mutates.
type Queue interface {
	Create(payload models.TransactionPayload) (models.PendingTransaction, error)
	Get(id string) (models.PendingTransaction, error)
	List() []models.PendingTransaction
	ListByStatus(status models.TransactionStatus) []models.PendingTransaction
	Purge(id string) error
}

// Snapshotter produces the sync read model.
type Snapshotter interface {
	Snapshot() models.SyncSnapshot
}

// SecurityLog reads persisted security events.
type SecurityLog interface {
	SecurityEvents(q storage.SecurityEventQuery) ([]storage.SecurityEvent, error)
}

// Server holds the handler dependencies.
type Server struct {
	queue    Queue
	snapshot Snapshotter
	events   SecurityLog
	metrics  *metrics.Metrics
	log      *slog.Logger

	mu     sync.Mutex
	alerts []alertView
}

type alertView struct {
	Transport models.TransportKind `json:"transport"`
	Error     string               `json:"error"`
	At        time.Time            `json:"at"`
}

// New builds a Server. m and events may be nil; the matching routes are then not mounted.
func New(q Queue, snapshot Snapshotter, events SecurityLog, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{queue: q, snapshot: snapshot, events: events, metrics: m, log: logger.With("component", "statusapi")}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/sync/snapshot", s.handleSnapshot)
		r.Get("/alerts", s.handleAlerts)
		r.Get("/transactions", s.handleList)
		r.Post("/transactions", s.handleCreate)
		r.Get("/transactions/{id}", s.handleGet)
		r.Post("/transactions/{id}/purge", s.handlePurge)
		if s.events != nil {
			r.Get("/security-events", s.handleSecurityEvents)
		}
	})
	return r
}

// CollectAlerts records coordinator alerts for the UI until alerts is closed.
func (s *Server) CollectAlerts(alerts <-chan coordinator.Alert) {
	for alert := range alerts {
		s.mu.Lock()
		s.alerts = append(s.alerts, alertView{Transport: alert.Transport, Error: alert.Err.Error(), At: alert.At.UTC()})
		if len(s.alerts) > maxAlerts {
			s.alerts = s.alerts[len(s.alerts)-maxAlerts:]
		}
		s.mu.Unlock()
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot.Snapshot())
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := append([]alertView{}, s.alerts...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	query := storage.SecurityEventQuery{
		Kind:           params.Get("kind"),
		OriginDeviceID: params.Get("origin"),
		TransactionID:  params.Get("transaction"),
	}
	if raw := params.Get("min_severity"); raw != "" {
		if err := query.MinSeverity.UnmarshalText([]byte(raw)); err != nil {
			writeError(w, http.StatusBadRequest, "unknown severity")
			return
		}
	}
	if raw := params.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		query.Limit = limit
	}

	events, err := s.events.SecurityEvents(query)
	if err != nil {
		s.log.Error("read security events", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if events == nil {
		events = []storage.SecurityEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("status")
	if raw == "" {
		writeJSON(w, http.StatusOK, s.queue.List())
		return
	}
	status := models.TransactionStatus(raw)
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	writeJSON(w, http.StatusOK, s.queue.ListByStatus(status))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	tx, err := s.queue.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var payload models.TransactionPayload
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if payload.TimestampMs == 0 {
		payload.TimestampMs = uint64(time.Now().UnixMilli())
	}
	if err := payload.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tx, err := s.queue.Create(payload)
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	s.log.Info("transaction created", "transaction_id", tx.ID, "property_id", tx.Payload.PropertyID)
	writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.queue.Purge(id); err != nil {
		s.writeQueueError(w, err)
		return
	}
	s.log.Info("transaction purged", "transaction_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, "transaction not found")
	case errors.Is(err, queue.ErrNotTerminal):
		writeError(w, http.StatusConflict, "transaction is not confirmed or failed")
	case errors.Is(err, queue.ErrQueueFull):
		writeError(w, http.StatusInsufficientStorage, "queue is full")
	default:
		s.log.Error("queue operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
