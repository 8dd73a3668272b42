// Package media owns the WebRTC side of a videoroom participant: one
// engine per peer connection, publisher or subscriber.
package media

import (
	"context"

	"github.com/meonardo/videoroom-rtc/internal/errors"
	"github.com/meonardo/videoroom-rtc/signaling"
)

const (
	ErrEngineClosed errors.Code = "engine closed"
	ErrNegotiation  errors.Code = "negotiation failure"
)

// Role selects the media direction of an engine. A publisher sends the
// local capture upstream; a subscriber only receives one remote feed.
type Role int

const (
	RolePublisher Role = iota
	RoleSubscriber
)

func (r Role) String() string {
	switch r {
	case RolePublisher:
		return "publisher"
	case RoleSubscriber:
		return "subscriber"
	default:
		return "unknown"
	}
}

// PeerState mirrors the underlying peer connection state.
type PeerState int

const (
	PeerNew PeerState = iota
	PeerConnecting
	PeerConnected
	PeerDisconnected
	PeerFailed
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerNew:
		return "new"
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	case PeerFailed:
		return "failed"
	case PeerClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Engine drives a single peer connection through offer/answer and trickle
// ICE. Callbacks must be registered before negotiation starts. Destroy is
// idempotent and releases the underlying connection exactly once.
type Engine interface {
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context) (string, error)
	SetRemoteDescription(jsep signaling.JSEP) error
	AddRemoteCandidate(c signaling.Candidate) error

	OnCandidate(fn func(c signaling.Candidate))
	OnStateChange(fn func(state PeerState))

	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	Capturer() *Capturer

	Destroy() error
}

// Factory builds engines. One engine is created per publisher feed plus one
// for the local publish leg.
type Factory interface {
	NewEngine(role Role) (Engine, error)
}
