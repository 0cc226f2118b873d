package bridged

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mintedbridge/services/bridged/storage"
)

// AdminServer exposes HTTP endpoints for operator controls and status.
type AdminServer struct {
	orchestrator *Orchestrator
	guard        *AnomalyGuard
	health       *DirectionHealthTracker
	store        *storage.Store
	attest       *AttestationGateway
	router       chi.Router
}

// NewAdminServer wires the operator API. store and attest may be nil when
// history or attestation ingest is disabled.
func NewAdminServer(orchestrator *Orchestrator, guard *AnomalyGuard, health *DirectionHealthTracker, store *storage.Store, attest *AttestationGateway, auth *Authenticator) *AdminServer {
	s := &AdminServer{
		orchestrator: orchestrator,
		guard:        guard,
		health:       health,
		store:        store,
		attest:       attest,
	}
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Group(func(r chi.Router) {
		if auth != nil {
			r.Use(auth.Middleware)
		}
		r.Get("/status", s.handleStatus)
		r.Get("/transfers", s.handleTransfers)
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
		r.Post("/anomaly/reset", s.handleAnomalyReset)
		r.Post("/direction/{name}/reset", s.handleDirectionReset)
		if attest != nil {
			r.Post("/attestations", attest.ServeHTTP)
		}
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type statusPayload struct {
	State               State                      `json:"state"`
	AnomalyTripped      bool                       `json:"anomaly_tripped"`
	ConsecutiveFailures uint                       `json:"consecutive_failures"`
	Directions          map[string]DirectionHealth `json:"directions"`
	Transfers           map[string]int64           `json:"transfers,omitempty"`
}

func (s *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	payload := statusPayload{
		State:               s.orchestrator.State(),
		AnomalyTripped:      s.guard.IsTripped(),
		ConsecutiveFailures: s.guard.ConsecutiveFailures(),
		Directions:          s.health.Snapshot(),
	}
	if s.store != nil {
		if counts, err := s.store.CountByStatus(r.Context()); err == nil {
			payload.Transfers = counts
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *AdminServer) handleTransfers(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}
	direction := r.URL.Query().Get("direction")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.store.RecentByDirection(r.Context(), direction, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rows)
}

func (s *AdminServer) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.orchestrator.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.orchestrator.Resume()
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleAnomalyReset(w http.ResponseWriter, r *http.Request) {
	s.guard.Reset(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleDirectionReset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if normalizeDirection(name) == "" {
		http.Error(w, "direction required", http.StatusBadRequest)
		return
	}
	s.health.Reset(name)
	w.WriteHeader(http.StatusNoContent)
}
