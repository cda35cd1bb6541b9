// Package session serves the WebSocket control channel: handshake, job
// submission, cancellation and liveness for one browser connection at a time.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/kelicad/simagent/internal/domain"
	"github.com/kelicad/simagent/internal/engine"
	"github.com/kelicad/simagent/internal/protocol"
	"github.com/kelicad/simagent/internal/state"
)

const (
	writeTimeout     = 10 * time.Second
	preparingMessage = "Preparing simulation..."
)

// Simulator runs and cancels jobs.
type Simulator interface {
	Run(ctx context.Context, job engine.Job) engine.Outcome
	Cancel(jobID string) bool
}

// Observer receives connection metrics.
type Observer interface {
	ConnectionOpened()
	ConnectionClosed()
	MessageReceived(msgType string)
}

// Config controls the handler.
type Config struct {
	MaxSimulationTime time.Duration
	MaxMessageSize    int64
	// AnyUpgradeOrigin skips the Origin header check at upgrade time.
	AnyUpgradeOrigin bool
}

// Handler upgrades requests to WebSocket sessions.
type Handler struct {
	baseCtx  context.Context
	cfg      Config
	state    *state.AgentState
	sim      Simulator
	registry *Registry
	observer Observer
	logger   *slog.Logger

	jobs sync.WaitGroup
}

// NewHandler creates a handler. Jobs run on baseCtx so they outlive the
// connection that submitted them. observer may be nil.
func NewHandler(baseCtx context.Context, cfg Config, st *state.AgentState, sim Simulator, registry *Registry, observer Observer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Handler{
		baseCtx:  baseCtx,
		cfg:      cfg,
		state:    st,
		sim:      sim,
		registry: registry,
		observer: observer,
		logger:   logger,
	}
}

// Registry returns the connection registry.
func (h *Handler) Registry() *Registry { return h.registry }

// Wait blocks until every job goroutine started by the handler has returned.
func (h *Handler) Wait() { h.jobs.Wait() }

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "ip", r.RemoteAddr)
		return
	}
	if h.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(h.cfg.MaxMessageSize)
	}

	connID := uuid.NewString()
	logger := h.logger.With("conn_id", connID)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	h.registry.Register(connID, ws)
	defer h.registry.Unregister(connID, ws)

	count := h.state.ConnectionOpened()
	if h.observer != nil {
		h.observer.ConnectionOpened()
	}
	logger.Info("Client connected", "ip", r.RemoteAddr, "connections", count)
	defer func() {
		count := h.state.ConnectionClosed()
		if h.observer != nil {
			h.observer.ConnectionClosed()
		}
		logger.Info("Client disconnected", "connections", count)
	}()

	s := &session{
		h:           h,
		ws:          ws,
		connID:      connID,
		logger:      logger,
		completions: make(chan []byte, 1),
	}
	s.run(r.Context())
}

// checkOrigin rejects browser upgrades from origins outside the allow-list.
// Requests without an Origin header come from non-browser clients.
func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.cfg.AnyUpgradeOrigin {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || protocol.IsOriginAllowed(origin) {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin)
	return false
}

type frame struct {
	typ  websocket.MessageType
	data []byte
}

// session is the per-connection state machine. It is owned by the goroutine
// running run; only that goroutine writes to ws.
type session struct {
	h           *Handler
	ws          *websocket.Conn
	connID      string
	logger      *slog.Logger
	active      bool
	completions chan []byte
}

func (s *session) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	frames := make(chan frame)
	go s.readLoop(ctx, frames)

	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return
			}
			if f.typ != websocket.MessageText {
				s.logger.Debug("Ignoring non-text frame", "bytes", len(f.data))
				continue
			}
			if err := s.dispatch(ctx, f.data); err != nil {
				s.logger.Debug("Failed to write response", "error", err)
				return
			}
		case data := <-s.completions:
			if err := s.write(ctx, data); err != nil {
				s.logger.Debug("Failed to write simulation result", "error", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *session) readLoop(ctx context.Context, frames chan<- frame) {
	defer close(frames)
	for {
		typ, data, err := s.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				s.logger.Debug("WebSocket closed by client")
			} else if !errors.Is(err, context.Canceled) {
				s.logger.Warn("WebSocket read error", "error", err)
			}
			return
		}
		select {
		case frames <- frame{typ: typ, data: data}:
		case <-ctx.Done():
			return
		}
	}
}

// dispatch handles one text frame. It returns an error only when writing
// to the connection fails.
func (s *session) dispatch(ctx context.Context, data []byte) error {
	req, err := protocol.Decode(data)
	if err != nil {
		s.logger.Warn("Dropping malformed message", "error", err)
		return nil
	}
	env := protocol.EnvelopeOf(req)
	if s.h.observer != nil {
		s.h.observer.MessageReceived(messageLabel(req))
	}

	switch m := req.(type) {
	case *protocol.Handshake:
		return s.handleHandshake(ctx, m)
	case *protocol.Simulate:
		return s.handleSimulate(ctx, m)
	case *protocol.Cancel:
		ok := s.h.sim.Cancel(m.RequestID)
		return s.writeJSON(ctx, protocol.NewCancelResponse(m.RequestID, ok))
	case *protocol.Ping:
		return s.writeJSON(ctx, protocol.NewPong(s.h.state.IsSimulating()))
	default:
		s.logger.Warn("Unknown message type", "type", env.Type)
		return nil
	}
}

// messageLabel folds every unrecognised type into one label so clients
// cannot mint metric series.
func messageLabel(req protocol.Request) string {
	if _, ok := req.(*protocol.Unknown); ok {
		return protocol.TypeUnknown
	}
	return protocol.EnvelopeOf(req).Type
}

func (s *session) handleHandshake(ctx context.Context, m *protocol.Handshake) error {
	s.active = protocol.IsOriginAllowed(m.Origin)
	if !s.active {
		s.logger.Warn("Handshake rejected", "origin", m.Origin)
		return s.writeJSON(ctx, protocol.NewHandshakeRejected())
	}

	engines := s.h.state.Engines()
	caps := protocol.Capabilities{
		LTspiceAvailable:  engines.LTspiceAvailable(),
		NgspiceAvailable:  engines.NgspiceAvailable(),
		SupportedAnalyses: protocol.SupportedAnalyses,
		MaxSimulationTime: int(s.h.cfg.MaxSimulationTime / time.Second),
	}
	s.logger.Info("Handshake accepted", "origin", m.Origin, "client_version", m.Version)
	return s.writeJSON(ctx, protocol.NewHandshakeAccepted(caps, engines.LTspicePath))
}

func (s *session) handleSimulate(ctx context.Context, m *protocol.Simulate) error {
	if !s.active {
		s.logger.Warn("Simulation request before handshake", "request_id", m.ID)
		return nil
	}

	if err := s.writeJSON(ctx, protocol.NewProgress(m.ID, protocol.StagePreparing, preparingMessage)); err != nil {
		return err
	}

	job := engine.Job{
		ID:      m.ID,
		Netlist: m.Netlist,
		Quality: m.WaveformQuality,
		ConnID:  s.connID,
	}
	if m.Timeout != nil && *m.Timeout > 0 {
		job.Timeout = time.Duration(*m.Timeout) * time.Millisecond
	}

	s.h.jobs.Add(1)
	go func() {
		defer s.h.jobs.Done()
		out := s.h.sim.Run(s.h.baseCtx, job)
		data := encodeOutcome(job.ID, out, s.logger)
		select {
		case s.completions <- data:
		case <-ctx.Done():
			s.logger.Info("Connection gone, dropping simulation result", "request_id", job.ID)
		}
	}()
	return nil
}

// encodeOutcome serializes the terminal response for a job. A result that
// cannot be encoded is replaced by a failure so the client still gets one.
func encodeOutcome(requestID string, out engine.Outcome, logger *slog.Logger) []byte {
	simulator := string(out.Engine)
	if simulator == "" {
		simulator = string(domain.EngineLTspice)
	}

	var resp protocol.SimulationResponse
	if out.Err != nil {
		resp = protocol.NewSimulationFailure(requestID, engine.UserMessage(out.Err), out.Elapsed, simulator)
	} else {
		resp = protocol.NewSimulationSuccess(requestID, out.Results, out.Elapsed, simulator)
	}

	data, err := json.Marshal(resp)
	if err == nil {
		return data
	}
	logger.Error("Failed to encode simulation result", "request_id", requestID, "error", err)
	data, err = json.Marshal(protocol.NewSimulationFailure(requestID, "Failed to encode results: "+err.Error(), out.Elapsed, simulator))
	if err != nil {
		// Unreachable: the failure response contains only strings and integers.
		return nil
	}
	return data
}

func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.write(ctx, data)
}

func (s *session) write(ctx context.Context, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return s.ws.Write(ctx, websocket.MessageText, data)
}
