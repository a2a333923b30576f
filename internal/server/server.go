package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"kiwi-bridge/internal/api"
	"kiwi-bridge/internal/device"
	"kiwi-bridge/internal/lockctrl"
	"kiwi-bridge/internal/store"
	"kiwi-bridge/internal/ws"
)

// TokenSource yields the account token for REST calls made on behalf of
// local HTTP requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// AliasClient renames roster entries upstream.
type AliasClient interface {
	UpdateLockUserAlias(ctx context.Context, token, did, userType string, userID int, alias string) error
}

// Server is the bridge's local HTTP surface: liveness, metrics, a status
// snapshot, and per-lock control endpoints.
type Server struct {
	locks   map[string]*device.Lock
	super   *ws.Supervisor
	tokens  TokenSource
	alias   AliasClient
	cache   *store.EventCache
	history *store.History
}

func New(locks []*device.Lock, super *ws.Supervisor, tokens TokenSource, alias AliasClient,
	cache *store.EventCache, history *store.History) *Server {
	byID := make(map[string]*device.Lock, len(locks))
	for _, l := range locks {
		byID[l.Device.DID] = l
	}
	return &Server{locks: byID, super: super, tokens: tokens, alias: alias, cache: cache, history: history}
}

// Router builds the chi router. The metrics handler is mounted by the caller
// so observability wiring stays in main.
func (s *Server) Router(metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })
	r.Handle("/metrics", metrics)
	r.Get("/status", s.handleStatus)

	r.Route("/locks/{did}", func(r chi.Router) {
		r.Post("/unlock", s.handleUnlock)
		r.Put("/users/{type}/{id}/alias", s.handleAlias)
		if s.history != nil {
			r.Get("/history", s.handleHistory)
		}
		if s.cache != nil {
			r.Get("/latest", s.handleLatest)
		}
	})
	return r
}

type lockStatus struct {
	DID        string `json:"did"`
	Name       string `json:"name"`
	Group      string `json:"group"`
	Locked     *bool  `json:"locked,omitempty"`
	LastEvent  string `json:"last_event,omitempty"`
	EventLabel string `json:"event_label,omitempty"`
	StreamURI  string `json:"stream_uri,omitempty"`
	Cooldown   int    `json:"cooldown_seconds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := struct {
		Connection string       `json:"connection"`
		Locks      []lockStatus `json:"locks"`
	}{
		Connection: s.super.State().String(),
		Locks:      make([]lockStatus, 0, len(s.locks)),
	}
	for _, l := range s.locks {
		st := lockStatus{
			DID:       l.Device.DID,
			Name:      l.Device.Name,
			Group:     l.Group.Name,
			StreamURI: l.Camera.StreamURI(),
		}
		if locked, known := l.Status.Locked(); known {
			st.Locked = &locked
		}
		if ev, label, _ := l.Events.Last(); ev != nil {
			st.LastEvent = ev.Name
			st.EventLabel = label
		}
		if l.Coordinator != nil {
			st.Cooldown = int(l.Coordinator.CooldownRemaining().Seconds())
		}
		out.Locks = append(out.Locks, st)
	}
	writeJSON(w, http.StatusOK, out)
}

type unlockRequest struct {
	Password   string `json:"password"`
	UnlockData string `json:"unlock_data,omitempty"`
}

// handleUnlock runs the full arm-and-confirm flow for one request. The
// password is consumed by the confirmation and never stored.
func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	l, ok := s.locks[chi.URLParam(r, "did")]
	if !ok || l.Coordinator == nil {
		http.Error(w, "unknown lock", http.StatusNotFound)
		return
	}
	var req unlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	if req.UnlockData != "" {
		if err := l.Coordinator.SetUnlockData(req.UnlockData); err != nil {
			slog.Error("unlock data persist failed", "did", l.Device.DID, "error", err)
			http.Error(w, "could not persist unlock data", http.StatusInternalServerError)
			return
		}
	}
	l.Coordinator.SetPassword(req.Password)

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	if err := l.Coordinator.Confirm(ctx); err != nil {
		var verr *lockctrl.ValidationError
		if errors.As(err, &verr) {
			http.Error(w, verr.Reason, http.StatusBadRequest)
			return
		}
		http.Error(w, "unlock failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleAlias(w http.ResponseWriter, r *http.Request) {
	did := chi.URLParam(r, "did")
	if _, ok := s.locks[did]; !ok {
		http.Error(w, "unknown lock", http.StatusNotFound)
		return
	}
	userID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "bad user id", http.StatusBadRequest)
		return
	}
	var req struct {
		Alias string `json:"alias"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	token, err := s.tokens.Token(r.Context())
	if err != nil {
		http.Error(w, "could not authenticate", http.StatusBadGateway)
		return
	}
	err = s.alias.UpdateLockUserAlias(r.Context(), token, did, chi.URLParam(r, "type"), userID, req.Alias)
	if errors.Is(err, api.ErrAliasTooLong) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, "alias update failed", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	did := chi.URLParam(r, "did")
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	recs, err := s.history.Recent(r.Context(), did, limit)
	if err != nil {
		slog.Error("history query failed", "did", did, "error", err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	did := chi.URLParam(r, "did")
	ev, err := s.cache.Latest(r.Context(), did)
	if err != nil {
		slog.Error("latest event lookup failed", "did", did, "error", err)
		http.Error(w, "cache unavailable", http.StatusInternalServerError)
		return
	}
	if ev == nil {
		http.Error(w, "no cached event", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "error", err)
	}
}
