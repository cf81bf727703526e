// Package server exposes the loop over a local HTTP API plus a websocket
// stream of finished cycles. Bind it to loopback only.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mrcode/aidloop/internal/history"
	"github.com/mrcode/aidloop/internal/logger"
	"github.com/mrcode/aidloop/internal/loop"
	"github.com/mrcode/aidloop/internal/models"
	"github.com/mrcode/aidloop/internal/recovery"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// Server wires the loop scheduler and history behind HTTP handlers.
type Server struct {
	scheduler *loop.Scheduler
	recovery  *recovery.Controller
	sink      history.Sink
	cycles    <-chan models.LoopCycleRecord
	log       *logger.Logger
	addr      string

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// New returns a server bound to addr. Finished cycles read from cycles are
// pushed to websocket clients.
func New(addr string, scheduler *loop.Scheduler, recoveryCtl *recovery.Controller, sink history.Sink, cycles <-chan models.LoopCycleRecord, log *logger.Logger) *Server {
	return &Server{
		scheduler: scheduler,
		recovery:  recoveryCtl,
		sink:      sink,
		cycles:    cycles,
		log:       log,
		addr:      addr,
		clients:   make(map[*websocket.Conn]struct{}),
	}
}

// Run serves until the context is cancelled. It also fans completed cycles
// out to websocket clients.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/cycles", s.handleCycles)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/trigger", s.handleTrigger)
	mux.HandleFunc("/api/bolus", s.handleBolus)
	mux.HandleFunc("/api/tempbasal", s.handleTempBasal)
	mux.HandleFunc("/api/canceltemp", s.handleCancelTemp)
	mux.HandleFunc("/api/acknowledge", s.handleAcknowledge)
	mux.HandleFunc("/ws", s.handleWebSocket)

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go s.broadcastLoop(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("api listening", "addr", s.addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) broadcastLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-s.cycles:
			s.mu.Lock()
			for conn := range s.clients {
				if err := conn.WriteJSON(rec); err != nil {
					conn.Close()
					delete(s.clients, conn)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()

	// Drain the read side so close frames are processed.
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.clients, conn)
			s.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

type statusResponse struct {
	Phase      loop.Phase              `json:"phase"`
	Blocked    bool                    `json:"dosingBlocked"`
	LastCycle  *models.LoopCycleRecord `json:"lastCycle,omitempty"`
	Resolution *recovery.Resolution    `json:"lastResolution,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Phase:     s.scheduler.Phase(),
		LastCycle: s.scheduler.LastRecord(),
	}
	if s.recovery != nil {
		resp.Blocked = s.recovery.Blocked()
		resp.Resolution = s.recovery.LastResolution()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	records, err := s.sink.Recent(r.Context(), 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	records, err := s.sink.Since(r.Context(), time.Now().Add(-window))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, history.ComputeStats(records, window))
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.scheduler.TriggerCycle(loop.TriggerManual)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

type bolusRequest struct {
	Units float64 `json:"units"`
}

func (s *Server) handleBolus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req bolusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := s.scheduler.EnactBolus(r.Context(), req.Units)
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]interface{}{"error": err.Error(), "cycle": rec})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type tempBasalRequest struct {
	Rate     float64 `json:"rate"`
	Duration int     `json:"duration"`
}

func (s *Server) handleTempBasal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req tempBasalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := s.scheduler.EnactTempBasal(r.Context(), req.Rate, req.Duration)
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]interface{}{"error": err.Error(), "cycle": rec})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCancelTemp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rec, err := s.scheduler.CancelTempBasal(r.Context())
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]interface{}{"error": err.Error(), "cycle": rec})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.recovery != nil {
		s.recovery.Acknowledge()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
