package protocol

import (
	"encoding/json"
	"fmt"
)

// Request is one decoded inbound message. The set of implementations is closed:
// *Handshake, *Simulate, *Cancel, *Ping and *Unknown.
type Request interface {
	envelope() Envelope
}

// Handshake opens a session.
type Handshake struct {
	Envelope
	Origin  string `json:"origin"`
	Version string `json:"version"`
}

// Simulate submits a netlist for simulation.
type Simulate struct {
	Envelope
	Netlist         string `json:"netlist"`
	WaveformQuality string `json:"waveformQuality"`
	// Timeout is an optional deadline hint in milliseconds.
	Timeout *int64 `json:"timeout,omitempty"`
}

// Cancel asks the agent to stop the job with RequestID.
type Cancel struct {
	Envelope
	RequestID string `json:"requestId"`
}

// Ping asks for the agent status.
type Ping struct {
	Envelope
}

// Unknown is any message whose type is not recognized.
type Unknown struct {
	Envelope
}

func (m *Handshake) envelope() Envelope { return m.Envelope }
func (m *Simulate) envelope() Envelope  { return m.Envelope }
func (m *Cancel) envelope() Envelope    { return m.Envelope }
func (m *Ping) envelope() Envelope      { return m.Envelope }
func (m *Unknown) envelope() Envelope   { return m.Envelope }

// EnvelopeOf returns the common fields of a decoded request.
func EnvelopeOf(r Request) Envelope {
	return r.envelope()
}

// DecodeError reports a message body that could not be decoded.
type DecodeError struct {
	Type string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("decode message: %v", e.Err)
	}
	return fmt.Sprintf("decode %s message: %v", e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decode parses data once into the matching request variant.
// Unrecognized types decode to *Unknown without error.
func Decode(data []byte) (Request, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Err: err}
	}

	var req Request
	switch env.Type {
	case TypeHandshake:
		req = &Handshake{}
	case TypeSimulate:
		req = &Simulate{}
	case TypeCancel:
		req = &Cancel{}
	case TypePing:
		req = &Ping{}
	default:
		return &Unknown{Envelope: env}, nil
	}

	if err := json.Unmarshal(data, req); err != nil {
		return nil, &DecodeError{Type: env.Type, Err: err}
	}
	return req, nil
}
