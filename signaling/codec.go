package signaling

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/meonardo/videoroom-rtc/internal/errors"
)

const videoroomPlugin = "janus.plugin.videoroom"

// Transaction labels echoed back by Janus. The videoroom protocol
// multiplexes many logically distinct reply types over one transaction
// channel; these labels are what the dispatcher routes on, so they are part
// of the wire contract, not free-form.
const (
	txCreate           = "Create"
	txAttach           = "Attach"
	txAttachPrefix     = "Attach."
	txJoinRoom         = "JoinRoom"
	txConfigure        = "Configure"
	txSubscribeJoin    = "SubscribeJoin"
	txStart            = "Start"
	txUnpublish        = "Unpublish"
	txListParticipants = "Listparticipants"
	txDestroy          = "Destroy"
)

// AttachTransaction builds the composite label that lets the async attach
// reply be re-associated with its publisher without a side table.
func AttachTransaction(publisherID int64) string {
	return txAttachPrefix + strconv.FormatInt(publisherID, 10)
}

func genTransaction() string {
	return uuid.NewString()
}

type createSessionRequest struct {
	Janus       string `json:"janus"`
	Transaction string `json:"transaction"`
	Room        int    `json:"room"`
}

type attachRequest struct {
	Janus       string `json:"janus"`
	SessionID   int64  `json:"session_id"`
	Transaction string `json:"transaction"`
	Plugin      string `json:"plugin"`
}

type destroyRequest struct {
	Janus       string `json:"janus"`
	SessionID   int64  `json:"session_id"`
	Transaction string `json:"transaction"`
}

type keepaliveRequest struct {
	Janus       string `json:"janus"`
	SessionID   int64  `json:"session_id"`
	Transaction string `json:"transaction"`
}

type joinBody struct {
	Request string `json:"request"`
	PType   string `json:"ptype"`
	Room    int    `json:"room"`
	Display string `json:"display,omitempty"`
	Feed    int64  `json:"feed,omitempty"`
}

type configureBody struct {
	Request string `json:"request"`
	Audio   bool   `json:"audio"`
	Video   bool   `json:"video"`
}

type startBody struct {
	Request string `json:"request"`
	Room    int    `json:"room"`
}

type requestBody struct {
	Request string `json:"request"`
	Room    int    `json:"room,omitempty"`
}

type pluginMessage struct {
	Janus       string `json:"janus"`
	SessionID   int64  `json:"session_id"`
	HandleID    int64  `json:"handle_id"`
	Transaction string `json:"transaction"`
	Body        any    `json:"body"`
	JSEP        *JSEP  `json:"jsep,omitempty"`
}

type trickleRequest struct {
	Janus       string    `json:"janus"`
	SessionID   int64     `json:"session_id"`
	HandleID    int64     `json:"handle_id"`
	Transaction string    `json:"transaction"`
	Candidate   Candidate `json:"candidate"`
}

func encodeCreateSession(room int) ([]byte, error) {
	return marshal(createSessionRequest{Janus: "create", Transaction: txCreate, Room: room})
}

func encodeAttach(sessionID int64) ([]byte, error) {
	return marshal(attachRequest{
		Janus:       "attach",
		SessionID:   sessionID,
		Transaction: txAttach,
		Plugin:      videoroomPlugin,
	})
}

func encodeSubscribeAttach(sessionID int64, publisherID int64) ([]byte, error) {
	return marshal(attachRequest{
		Janus:       "attach",
		SessionID:   sessionID,
		Transaction: AttachTransaction(publisherID),
		Plugin:      videoroomPlugin,
	})
}

func encodeJoinAsPublisher(sessionID, handleID int64, room int, display string) ([]byte, error) {
	return marshal(pluginMessage{
		Janus:       "message",
		SessionID:   sessionID,
		HandleID:    handleID,
		Transaction: txJoinRoom,
		Body:        joinBody{Request: "join", PType: "publisher", Room: room, Display: display},
	})
}

func encodeSubscribeJoin(sessionID, handleID int64, room int, feedID int64) ([]byte, error) {
	return marshal(pluginMessage{
		Janus:       "message",
		SessionID:   sessionID,
		HandleID:    handleID,
		Transaction: txSubscribeJoin,
		Body:        joinBody{Request: "join", PType: "subscriber", Room: room, Feed: feedID},
	})
}

func encodeConfigureOffer(sessionID, handleID int64, sdp string) ([]byte, error) {
	return marshal(pluginMessage{
		Janus:       "message",
		SessionID:   sessionID,
		HandleID:    handleID,
		Transaction: txConfigure,
		Body:        configureBody{Request: "configure", Audio: true, Video: true},
		JSEP:        &JSEP{Type: "offer", SDP: sdp},
	})
}

func encodeSubscribeStart(sessionID, handleID int64, room int, sdp string) ([]byte, error) {
	return marshal(pluginMessage{
		Janus:       "message",
		SessionID:   sessionID,
		HandleID:    handleID,
		Transaction: txStart,
		Body:        startBody{Request: "start", Room: room},
		JSEP:        &JSEP{Type: "answer", SDP: sdp},
	})
}

func encodeUnpublish(sessionID, handleID int64) ([]byte, error) {
	return marshal(pluginMessage{
		Janus:       "message",
		SessionID:   sessionID,
		HandleID:    handleID,
		Transaction: txUnpublish,
		Body:        requestBody{Request: "unpublish"},
	})
}

func encodeListParticipants(sessionID, handleID int64, room int) ([]byte, error) {
	return marshal(pluginMessage{
		Janus:       "message",
		SessionID:   sessionID,
		HandleID:    handleID,
		Transaction: txListParticipants,
		Body:        requestBody{Request: "listparticipants", Room: room},
	})
}

func encodeCandidate(sessionID, handleID int64, c Candidate) ([]byte, error) {
	return marshal(trickleRequest{
		Janus:       "trickle",
		SessionID:   sessionID,
		HandleID:    handleID,
		Transaction: genTransaction(),
		Candidate:   c,
	})
}

func encodeDestroy(sessionID int64) ([]byte, error) {
	return marshal(destroyRequest{Janus: "destroy", SessionID: sessionID, Transaction: txDestroy})
}

func encodeKeepalive(sessionID int64) ([]byte, error) {
	return marshal(keepaliveRequest{Janus: "keepalive", SessionID: sessionID, Transaction: genTransaction()})
}

func marshal(v any) ([]byte, error) {
	bs, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(ErrEncodeRequest, err, "marshal request")
	}
	return bs, nil
}

// Event is the discriminated classification of one inbound frame. Exactly
// one concrete type is produced per frame; frames that carry nothing
// actionable decode to NoOpEvent rather than failing.
type Event interface {
	isEvent()
}

type ErrorEvent struct {
	Code   int
	Reason string
}

type SessionCreatedEvent struct {
	SessionID int64
}

type SelfAttachedEvent struct {
	HandleID int64
}

type PublisherAttachedEvent struct {
	PublisherID int64
	HandleID    int64
}

type RoomJoinedEvent struct {
	Room *JoinedRoom
}

type RemoteDescriptionEvent struct {
	// Local marks a description for the local publisher handle (a Configure
	// answer); Sender is only set for subscriber handles.
	Local  bool
	Sender int64
	JSEP   JSEP
}

type SubscribeStartedEvent struct {
	HandleID int64
}

type UnpublishAckEvent struct{}

type SessionDestroyedEvent struct{}

type HangupEvent struct {
	HandleID int64
	Reason   string
}

type RosterUpdateEvent struct {
	Publishers []Publisher
}

type ParticipantsEvent struct {
	Room *JoinedRoom
}

type NoOpEvent struct {
	Janus       string
	Transaction string
}

func (ErrorEvent) isEvent()             {}
func (SessionCreatedEvent) isEvent()    {}
func (SelfAttachedEvent) isEvent()      {}
func (PublisherAttachedEvent) isEvent() {}
func (RoomJoinedEvent) isEvent()        {}
func (RemoteDescriptionEvent) isEvent() {}
func (SubscribeStartedEvent) isEvent()  {}
func (UnpublishAckEvent) isEvent()      {}
func (SessionDestroyedEvent) isEvent()  {}
func (HangupEvent) isEvent()            {}
func (RosterUpdateEvent) isEvent()      {}
func (ParticipantsEvent) isEvent()      {}
func (NoOpEvent) isEvent()              {}

// envelope models the subset of Janus response fields the dispatcher cares
// about. Optional fields are pointers so absence is distinguishable.
type envelope struct {
	Janus       string          `json:"janus"`
	Transaction string          `json:"transaction"`
	Sender      int64           `json:"sender"`
	SessionID   int64           `json:"session_id"`
	Reason      string          `json:"reason"`
	Data        *idPayload      `json:"data"`
	Error       *errorPayload   `json:"error"`
	Plugindata  *pluginEnvelope `json:"plugindata"`
	JSEP        *JSEP           `json:"jsep"`
}

type idPayload struct {
	ID int64 `json:"id"`
}

type errorPayload struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

type pluginEnvelope struct {
	Plugin string          `json:"plugin"`
	Data   json.RawMessage `json:"data"`
}

type joinedRoomPayload struct {
	Room        int         `json:"room"`
	Description string      `json:"description"`
	ID          int64       `json:"id"`
	PrivateID   int64       `json:"private_id"`
	Publishers  []Publisher `json:"publishers"`
}

type participantsPayload struct {
	Room         int           `json:"room"`
	Participants []participant `json:"participants"`
}

type participant struct {
	ID        int64  `json:"id"`
	Display   string `json:"display"`
	Publisher bool   `json:"publisher"`
}

type unpublishPayload struct {
	Unpublished string `json:"unpublished"`
}

type publishersPayload struct {
	Publishers []Publisher `json:"publishers"`
}

// Decode parses one inbound frame into its Event classification. Dispatch
// precedence: error frames, then id-bearing success frames routed by
// transaction label, then label-routed plugin events, then hangups, then
// the unsolicited roster push fallback. Getting this order wrong corrupts
// the roster (e.g. an "Attach.42" success handled as a plain "Attach"
// overwrites the local handle id).
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(ErrMalformedFrame, err, "unmarshal frame")
	}

	if env.Janus == "error" || env.Error != nil {
		ev := ErrorEvent{Reason: "no reason"}
		if env.Error != nil {
			ev.Code = env.Error.Code
			ev.Reason = env.Error.Reason
		}
		return ev, nil
	}

	if env.Data != nil {
		return decodeIDFrame(&env)
	}

	switch env.Transaction {
	case txJoinRoom:
		room, err := decodeJoinedRoom(&env)
		if err != nil {
			return nil, err
		}
		return RoomJoinedEvent{Room: room}, nil

	case txConfigure:
		if env.JSEP == nil {
			// configure acks arrive without a jsep; nothing to apply
			return NoOpEvent{Janus: env.Janus, Transaction: env.Transaction}, nil
		}
		return RemoteDescriptionEvent{Local: true, JSEP: *env.JSEP}, nil

	case txSubscribeJoin:
		if env.JSEP == nil || env.Sender == 0 {
			return nil, errors.Newf(ErrMalformedFrame, "subscribe join without sender/jsep (sender %d)", env.Sender)
		}
		return RemoteDescriptionEvent{Sender: env.Sender, JSEP: *env.JSEP}, nil

	case txStart:
		if env.Sender == 0 {
			return nil, errors.New(ErrMalformedFrame, "start event without sender")
		}
		return SubscribeStartedEvent{HandleID: env.Sender}, nil

	case txUnpublish:
		if ack := decodeUnpublishAck(&env); ack {
			return UnpublishAckEvent{}, nil
		}
		return NoOpEvent{Janus: env.Janus, Transaction: env.Transaction}, nil

	case txDestroy:
		return SessionDestroyedEvent{}, nil

	case txListParticipants:
		room, err := decodeParticipants(&env)
		if err != nil {
			return nil, err
		}
		return ParticipantsEvent{Room: room}, nil
	}

	if env.Janus == "hangup" {
		if env.Sender == 0 {
			return nil, errors.New(ErrMalformedFrame, "hangup without sender")
		}
		reason := env.Reason
		if reason == "" {
			reason = "no reason"
		}
		return HangupEvent{HandleID: env.Sender, Reason: reason}, nil
	}

	if env.Janus == "event" {
		if pubs := decodePublishers(&env); len(pubs) > 0 {
			return RosterUpdateEvent{Publishers: pubs}, nil
		}
	}

	return NoOpEvent{Janus: env.Janus, Transaction: env.Transaction}, nil
}

func decodeIDFrame(env *envelope) (Event, error) {
	id := env.Data.ID
	switch {
	case env.Transaction == txCreate:
		return SessionCreatedEvent{SessionID: id}, nil

	case env.Transaction == txAttach:
		return SelfAttachedEvent{HandleID: id}, nil

	case strings.HasPrefix(env.Transaction, txAttachPrefix):
		suffix := strings.TrimPrefix(env.Transaction, txAttachPrefix)
		publisherID, err := strconv.ParseInt(suffix, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedFrame, err, "attach transaction %q", env.Transaction)
		}
		return PublisherAttachedEvent{PublisherID: publisherID, HandleID: id}, nil
	}
	return NoOpEvent{Janus: env.Janus, Transaction: env.Transaction}, nil
}

func decodeJoinedRoom(env *envelope) (*JoinedRoom, error) {
	if env.Plugindata == nil || len(env.Plugindata.Data) == 0 {
		return nil, errors.New(ErrMalformedFrame, "join response without plugindata")
	}
	var payload joinedRoomPayload
	if err := json.Unmarshal(env.Plugindata.Data, &payload); err != nil {
		return nil, errors.Wrap(ErrMalformedFrame, err, "unmarshal joined room")
	}
	return &JoinedRoom{
		ID:         payload.ID,
		Room:       payload.Room,
		Name:       payload.Description,
		PrivateID:  payload.PrivateID,
		Publishers: payload.Publishers,
	}, nil
}

func decodeParticipants(env *envelope) (*JoinedRoom, error) {
	if env.Plugindata == nil || len(env.Plugindata.Data) == 0 {
		return nil, errors.New(ErrMalformedFrame, "participants response without plugindata")
	}
	var payload participantsPayload
	if err := json.Unmarshal(env.Plugindata.Data, &payload); err != nil {
		return nil, errors.Wrap(ErrMalformedFrame, err, "unmarshal participants")
	}
	room := &JoinedRoom{Room: payload.Room}
	for _, p := range payload.Participants {
		if !p.Publisher {
			continue
		}
		room.Publishers = append(room.Publishers, Publisher{ID: p.ID, Display: p.Display})
	}
	return room, nil
}

func decodeUnpublishAck(env *envelope) bool {
	if env.Plugindata == nil || len(env.Plugindata.Data) == 0 {
		return false
	}
	var payload unpublishPayload
	if err := json.Unmarshal(env.Plugindata.Data, &payload); err != nil {
		return false
	}
	return payload.Unpublished == "ok"
}

func decodePublishers(env *envelope) []Publisher {
	if env.Plugindata == nil || len(env.Plugindata.Data) == 0 {
		return nil
	}
	var payload publishersPayload
	if err := json.Unmarshal(env.Plugindata.Data, &payload); err != nil {
		return nil
	}
	return payload.Publishers
}

func (e ErrorEvent) String() string {
	return fmt.Sprintf("janus error %d: %s", e.Code, e.Reason)
}
