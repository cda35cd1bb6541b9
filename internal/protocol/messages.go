// Package protocol defines the JSON messages exchanged with the browser client.
package protocol

import (
	"time"

	"github.com/google/uuid"

	"github.com/kelicad/simagent/internal/domain"
)

// Message types.
const (
	TypeHandshake          = "handshake"
	TypeHandshakeResponse  = "handshake_response"
	TypeSimulate           = "simulate"
	TypeSimulationProgress = "simulation_progress"
	TypeSimulationResult   = "simulation_result"
	TypeCancel             = "cancel"
	TypeCancelResponse     = "cancel_response"
	TypePing               = "ping"
	TypePong               = "pong"

	// TypeUnknown stands in for any request type not listed above.
	TypeUnknown = "unknown"
)

const (
	// AgentVersion is reported in handshake responses and the status surface.
	AgentVersion = "1.0.0"

	// DefaultPort is the well-known loopback port the browser client dials.
	DefaultPort = 9347

	// StagePreparing is the only progress stage emitted before a job starts.
	StagePreparing = "preparing"

	// Pong statuses.
	StatusReady = "ready"
	StatusBusy  = "busy"
)

// SupportedAnalyses lists the analysis types advertised after a successful handshake.
var SupportedAnalyses = []string{domain.AnalysisTransient, domain.AnalysisAC, domain.AnalysisDC}

// Envelope holds the fields common to every message.
type Envelope struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

func newEnvelope(msgType string) Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		Type:      msgType,
		Timestamp: NowMillis(),
	}
}

// NowMillis returns the current time in milliseconds since the epoch.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Capabilities describes what the agent can run.
type Capabilities struct {
	LTspiceAvailable  bool     `json:"ltspiceAvailable"`
	NgspiceAvailable  bool     `json:"ngspiceAvailable"`
	SupportedAnalyses []string `json:"supportedAnalyses"`
	MaxSimulationTime int      `json:"maxSimulationTime"`
}

// HandshakeResponse answers a handshake request.
type HandshakeResponse struct {
	Envelope
	Success      bool         `json:"success"`
	AgentVersion string       `json:"agentVersion"`
	LTspicePath  string       `json:"ltspicePath,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
	Error        string       `json:"error,omitempty"`
}

// NewHandshakeAccepted builds the response for an allowed origin.
func NewHandshakeAccepted(caps Capabilities, ltspicePath string) HandshakeResponse {
	return HandshakeResponse{
		Envelope:     newEnvelope(TypeHandshakeResponse),
		Success:      true,
		AgentVersion: AgentVersion,
		LTspicePath:  ltspicePath,
		Capabilities: caps,
	}
}

// NewHandshakeRejected builds the response for an origin outside the allow-list.
// It carries no engine information.
func NewHandshakeRejected() HandshakeResponse {
	return HandshakeResponse{
		Envelope:     newEnvelope(TypeHandshakeResponse),
		Success:      false,
		AgentVersion: AgentVersion,
		Capabilities: Capabilities{
			SupportedAnalyses: []string{},
		},
		Error: "Invalid origin",
	}
}

// SimulationProgress reports a job stage before the result is available.
type SimulationProgress struct {
	Envelope
	RequestID string `json:"requestId"`
	Stage     string `json:"stage"`
	Message   string `json:"message"`
}

// NewProgress builds a progress message for requestID.
func NewProgress(requestID, stage, message string) SimulationProgress {
	return SimulationProgress{
		Envelope:  newEnvelope(TypeSimulationProgress),
		RequestID: requestID,
		Stage:     stage,
		Message:   message,
	}
}

// SimulationResponse is the single terminal response to a simulate request.
type SimulationResponse struct {
	Envelope
	RequestID     string                    `json:"requestId"`
	Success       bool                      `json:"success"`
	Results       *domain.SimulationResults `json:"results,omitempty"`
	Error         string                    `json:"error,omitempty"`
	ExecutionTime int64                     `json:"executionTime"`
	Simulator     string                    `json:"simulator"`
}

// NewSimulationSuccess builds a successful simulation response.
func NewSimulationSuccess(requestID string, results *domain.SimulationResults, elapsed time.Duration, simulator string) SimulationResponse {
	return SimulationResponse{
		Envelope:      newEnvelope(TypeSimulationResult),
		RequestID:     requestID,
		Success:       true,
		Results:       results,
		ExecutionTime: elapsed.Milliseconds(),
		Simulator:     simulator,
	}
}

// NewSimulationFailure builds a failed simulation response.
func NewSimulationFailure(requestID, errMsg string, elapsed time.Duration, simulator string) SimulationResponse {
	return SimulationResponse{
		Envelope:      newEnvelope(TypeSimulationResult),
		RequestID:     requestID,
		Success:       false,
		Error:         errMsg,
		ExecutionTime: elapsed.Milliseconds(),
		Simulator:     simulator,
	}
}

// Pong answers a ping.
type Pong struct {
	Envelope
	Status string `json:"status"`
}

// NewPong builds a pong reporting whether a job is running.
func NewPong(busy bool) Pong {
	status := StatusReady
	if busy {
		status = StatusBusy
	}
	return Pong{Envelope: newEnvelope(TypePong), Status: status}
}

// CancelResponse answers a cancel request.
type CancelResponse struct {
	Envelope
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
}

// NewCancelResponse builds a cancel acknowledgement for the targeted job id.
func NewCancelResponse(requestID string, success bool) CancelResponse {
	return CancelResponse{
		Envelope:  newEnvelope(TypeCancelResponse),
		RequestID: requestID,
		Success:   success,
	}
}
