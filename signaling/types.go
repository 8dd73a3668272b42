package signaling

import (
	"context"

	"github.com/meonardo/videoroom-rtc/internal/errors"
)

const (
	ErrMalformedFrame errors.Code = "malformed frame"
	ErrNotConnected   errors.Code = "not connected"
	ErrEncodeRequest  errors.Code = "encode request"
	ErrTransport      errors.Code = "transport failure"
)

// ConnectionState is the signaling connection lifecycle state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateCancelled
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateCancelled:
		return "cancelled"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Publisher is a room participant sending media. Identity is the stable
// publisher/feed id assigned by Janus, distinct from any handle id.
type Publisher struct {
	ID         int64  `json:"id"`
	Display    string `json:"display"`
	VideoCodec string `json:"video_codec,omitempty"`
	AudioCodec string `json:"audio_codec,omitempty"`
}

// JoinedRoom is the roster snapshot returned by a join or a
// listparticipants request.
type JoinedRoom struct {
	ID         int64
	Room       int
	Name       string
	PrivateID  int64
	Publishers []Publisher
}

// PublisherByID returns the publisher with the given feed id, if listed.
func (r *JoinedRoom) PublisherByID(id int64) (Publisher, bool) {
	for _, p := range r.Publishers {
		if p.ID == id {
			return p, true
		}
	}
	return Publisher{}, false
}

// JSEP is a WebRTC session description as carried on the Janus wire.
type JSEP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is a trickle ICE candidate as carried on the Janus wire.
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// Handler is implemented by the room manager. The client never mutates
// session or roster state itself: identifiers are read through the getter
// half, and every state transition flows through exactly one of the
// notification methods. All notifications are delivered from a single
// goroutine, in frame arrival order.
type Handler interface {
	SessionID() int64
	HandleID() int64
	RoomNumber() int
	DisplayName() string
	PublisherByID(id int64) (Publisher, bool)

	OnSignalingState(state ConnectionState)
	OnSessionCreated(sessionID int64)
	OnSelfAttached(handleID int64)
	OnPublisherAttached(pub Publisher, handleID int64)
	OnRoomJoined(room *JoinedRoom)
	OnRosterUpdate(pubs []Publisher)
	OnRemoteDescription(handleID int64, jsep JSEP)
	OnSubscribeStarted(handleID int64)
	OnUnpublished()
	OnHangup(handleID int64, reason string)
	OnSessionDestroyed()
	OnError(reason string)
}

// Requester is the outbound half of the client, consumed by the room
// manager to issue Janus requests.
type Requester interface {
	Connect(ctx context.Context) error
	Disconnect() error

	CreateRoomSession(room int) error
	JoinRoomAsPublisher() error
	LeaveRoom() error
	Unpublish() error
	AttachPublisher(pub Publisher) error
	ListParticipants() error
	SendOffer(sdp string) error
	SendAnswer(sdp string, handleID int64) error
	SendCandidate(c Candidate, handleID int64) error
}
