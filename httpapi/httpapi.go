// Package httpapi is the read-only status endpoint plus the two
// control actions (send, broadcast) operators and integration tests
// use to drive a running node without a TUI. It is the only component
// allowed to run its own goroutine (net/http's Server); it never
// reaches into the engine's tick state directly, calling only the
// public Engine entry points and the roster's own locking accessors.
//
// It follows service/rpc.go and service/service.go: the same
// gorilla/mux.Router + http.Server pairing and the same
// context-cancellation shutdown shape, adapted from a package-level
// global Router/srv (one JSON-RPC surface shared by every GNUnet
// service) to an instance bound to one engine, since this process
// hosts exactly one.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/bfix/gospel/logger"
	"github.com/gorilla/mux"

	"peerbeacon/engine"
	"peerbeacon/session"
)

// Server is the status/control HTTP surface for one engine.
type Server struct {
	eng *engine.Engine
	srv *http.Server
}

// New builds a server bound to addr (host:port) that drives eng.
func New(eng *engine.Engine, addr string) *Server {
	s := &Server{eng: eng}
	r := mux.NewRouter()
	r.HandleFunc("/roster", s.handleRoster).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/send", s.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/broadcast", s.handleBroadcast).Methods(http.MethodPost)
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// Start begins serving in the background and stops when ctx is done.
func (s *Server) Start(ctx context.Context) {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf(logger.WARN, "[httpapi] server stopped: %s", err.Error())
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			logger.Printf(logger.WARN, "[httpapi] graceful shutdown failed: %s", err.Error())
		}
	}()
}

type peerView struct {
	IP         string    `json:"ip"`
	Username   string    `json:"username"`
	LastSeen   time.Time `json:"last_seen"`
	Active     bool      `json:"active"`
	Generation uint64    `json:"generation"`
}

// handleRoster reports the current roster snapshot. Generation lets a
// polling client tell "the same peer, refreshed" from "a different
// peer that landed in the same slot" across two successive calls.
func (s *Server) handleRoster(w http.ResponseWriter, _ *http.Request) {
	snap := s.eng.Roster().Snapshot()
	out := make([]peerView, 0, len(snap))
	for _, p := range snap {
		out = append(out, peerView{IP: p.IP, Username: p.Username, LastSeen: p.LastSeen, Active: p.Active, Generation: p.Generation})
	}
	writeJSON(w, http.StatusOK, out)
}

type statsView struct {
	Ticks           uint64 `json:"ticks"`
	PeersActive     int    `json:"peers_active"`
	SessionState    string `json:"session_state"`
	BeaconsSent     uint64 `json:"beacons_sent"`
	FramesMalformed uint64 `json:"frames_malformed"`
	RosterFullHits  uint64 `json:"roster_full_hits"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	st := s.eng.Stats()
	writeJSON(w, http.StatusOK, statsView{
		Ticks:           st.Ticks,
		PeersActive:     st.PeersActive,
		SessionState:    st.SessionState.String(),
		BeaconsSent:     st.Discovery.BeaconsSent,
		FramesMalformed: st.Discovery.FramesMalformed,
		RosterFullHits:  st.Discovery.RosterFullHits,
	})
}

type sendRequest struct {
	PeerIP string `json:"peer_ip"`
	Text   string `json:"text"`
}

type sendResponse struct {
	Result string `json:"result"`
	Cause  string `json:"cause,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, sendResponse{Result: "BadRequest", Cause: err.Error()})
		return
	}
	result := s.eng.SendText(r.Context(), req.PeerIP, req.Text)
	writeJSON(w, http.StatusOK, sendOutcomeResponse(result))
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, sendResponse{Result: "BadRequest", Cause: err.Error()})
		return
	}
	s.eng.BroadcastText(r.Context(), req.Text)
	writeJSON(w, http.StatusOK, sendResponse{Result: "Ok"})
}

func sendOutcomeResponse(r session.SendResult) sendResponse {
	switch r.Outcome {
	case session.SendOK:
		return sendResponse{Result: "Ok"}
	case session.SendNoSuchPeer:
		return sendResponse{Result: "NoSuchPeer"}
	default:
		cause := ""
		if r.Cause != nil {
			cause = r.Cause.Error()
		}
		return sendResponse{Result: "SendFailed", Cause: cause}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Printf(logger.WARN, "[httpapi] response encode failed: %s", err.Error())
	}
}
