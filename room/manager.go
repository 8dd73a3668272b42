// Package room holds the session/room state machine: the single source of
// truth for session identity, the roster, and the per-peer connection set.
package room

import (
	"context"
	"sync"

	"github.com/meonardo/videoroom-rtc/internal/errors"
	"github.com/meonardo/videoroom-rtc/internal/log"
	"github.com/meonardo/videoroom-rtc/media"
	"github.com/meonardo/videoroom-rtc/signaling"
)

// State is the room lifecycle state.
type State int

const (
	StateIdle State = iota
	StateJoining
	StatePublishing
	StateSubscribingOnly
	StateLeft
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StatePublishing:
		return "publishing"
	case StateSubscribingOnly:
		return "subscribing_only"
	case StateLeft:
		return "left"
	default:
		return "unknown"
	}
}

// Manager implements signaling.Handler and owns all session, roster and
// connection state. One Manager instance serves one room at a time;
// joining a new room requires the previous one to be fully left. Signaling
// events arrive on the client's read goroutine, user operations on their
// own; one mutex serializes both. The mutex is never held across a
// Requester call, since the client reads identifiers back through the
// getter half.
type Manager struct {
	engines media.Factory
	bus     *Bus
	logger  *log.Logger

	display string
	publish bool

	requester signaling.Requester

	mtx               sync.Mutex
	state             State
	connected         bool
	sessionID         int64
	handleID          int64
	publisherID       int64
	privateID         int64
	room              int
	roomName          string
	roster            map[int64]signaling.Publisher
	connections       []*Connection
	joinedAsPublisher bool
}

// NewManager builds a manager that joins rooms under the given display
// name. publishMedia selects publisher entry; false means subscriber-only.
func NewManager(engines media.Factory, bus *Bus, display string, publishMedia bool, logger *log.Logger) *Manager {
	return &Manager{
		engines: engines,
		bus:     bus,
		logger:  logger.Module("room_manager"),
		display: display,
		publish: publishMedia,
		state:   StateIdle,
		roster:  map[int64]signaling.Publisher{},
	}
}

// Bind attaches the outbound signaling half. Must be called before any
// operation; the client and manager reference each other, so construction
// is two-phase.
func (m *Manager) Bind(requester signaling.Requester) {
	m.requester = requester
}

// JoinRoom starts joining the given room. If the signaling link is not up
// yet, the join proceeds as soon as it connects.
func (m *Manager) JoinRoom(room int) error {
	m.mtx.Lock()
	if m.state != StateIdle && m.state != StateLeft {
		state := m.state
		m.mtx.Unlock()
		return errors.Newf(ErrInvalidState, "join requested in state %s", state)
	}
	m.state = StateJoining
	m.room = room
	connected := m.connected
	m.mtx.Unlock()

	m.bus.Publish(RoomStateChanged{State: StateJoining})

	if connected {
		return m.requester.CreateRoomSession(room)
	}
	return nil
}

// Publish upgrades a subscriber-only participant to a publisher. Calling
// it while already publishing is a no-op.
func (m *Manager) Publish() error {
	m.mtx.Lock()
	switch m.state {
	case StatePublishing:
		m.mtx.Unlock()
		m.logger.Debug("Publish requested while already publishing")
		return nil
	case StateSubscribingOnly:
	default:
		state := m.state
		m.mtx.Unlock()
		return errors.Newf(ErrInvalidState, "publish requested in state %s", state)
	}

	m.publish = true
	joined := m.joinedAsPublisher
	local := m.localConnectionLocked()
	if joined {
		m.state = StatePublishing
	}
	m.mtx.Unlock()

	if local == nil {
		if err := m.createLocalConnection(); err != nil {
			return err
		}
	}
	if joined {
		// the publisher handle is still in the room, renegotiate directly
		m.bus.Publish(RoomStateChanged{State: StatePublishing})
		return m.sendLocalOffer()
	}
	return m.requester.JoinRoomAsPublisher()
}

// Unpublish stops the local publish leg but stays in the room.
func (m *Manager) Unpublish() error {
	m.mtx.Lock()
	state := m.state
	m.mtx.Unlock()

	if state != StatePublishing {
		return errors.Newf(ErrInvalidState, "unpublish requested in state %s", state)
	}
	return m.requester.Unpublish()
}

// LeaveRoom tears the session down. The room is fully left once the
// destroy acknowledgement arrives and RoomStateChanged(left) is emitted.
func (m *Manager) LeaveRoom() error {
	m.mtx.Lock()
	state := m.state
	m.mtx.Unlock()

	if state == StateIdle || state == StateLeft {
		return errors.Newf(ErrInvalidState, "leave requested in state %s", state)
	}
	return m.requester.LeaveRoom()
}

// SetAudioEnabled mutes or unmutes the local audio capture.
func (m *Manager) SetAudioEnabled(enabled bool) {
	if local := m.localConnection(); local != nil {
		local.Engine().SetAudioEnabled(enabled)
	}
}

// SetVideoEnabled shows or hides the local video capture.
func (m *Manager) SetVideoEnabled(enabled bool) {
	if local := m.localConnection(); local != nil {
		local.Engine().SetVideoEnabled(enabled)
	}
}

// State returns the current room lifecycle state.
func (m *Manager) State() State {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.state
}

// Connections returns a snapshot of the active connection set, local
// connection first.
func (m *Manager) Connections() []*Connection {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return append([]*Connection(nil), m.connections...)
}

func (m *Manager) SessionID() int64 {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.sessionID
}

func (m *Manager) HandleID() int64 {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.handleID
}

func (m *Manager) RoomNumber() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.room
}

func (m *Manager) DisplayName() string {
	return m.display
}

func (m *Manager) PublisherByID(id int64) (signaling.Publisher, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	pub, ok := m.roster[id]
	return pub, ok
}

func (m *Manager) OnSignalingState(state signaling.ConnectionState) {
	m.mtx.Lock()
	m.connected = state == signaling.StateConnected

	var createRoom int
	switch state {
	case signaling.StateConnected:
		// fresh connect or reconnect: (re)create the session if a room
		// is wanted and none is live
		if m.room != 0 && m.sessionID == 0 && m.state != StateIdle && m.state != StateLeft {
			createRoom = m.room
		}
	case signaling.StateDisconnected, signaling.StateError:
		m.resetLocked()
		if m.state == StatePublishing || m.state == StateSubscribingOnly {
			// rejoin once the link is back
			m.state = StateJoining
		}
	case signaling.StateCancelled:
		m.resetLocked()
		if m.state != StateIdle && m.state != StateLeft {
			m.state = StateLeft
		}
	}
	newState := m.state
	m.mtx.Unlock()

	m.bus.Publish(SignalingStateChanged{State: state})
	if state == signaling.StateCancelled && newState == StateLeft {
		m.bus.Publish(RoomStateChanged{State: StateLeft})
	}

	if createRoom != 0 {
		if err := m.requester.CreateRoomSession(createRoom); err != nil {
			m.logger.Warn("Create session failed", log.Error(err))
		}
	}
}

func (m *Manager) OnSessionCreated(sessionID int64) {
	m.mtx.Lock()
	m.sessionID = sessionID
	m.mtx.Unlock()

	m.logger.Info("Session created", log.Int64("session_id", sessionID))
}

func (m *Manager) OnSelfAttached(handleID int64) {
	m.mtx.Lock()
	m.handleID = handleID
	publish := m.publish
	m.mtx.Unlock()

	m.logger.Info("Handle attached", log.Int64("handle_id", handleID))

	if publish {
		if err := m.createLocalConnection(); err != nil {
			m.bus.Publish(ErrorReceived{Reason: err.Error()})
			return
		}
		if err := m.requester.JoinRoomAsPublisher(); err != nil {
			m.logger.Warn("Join as publisher failed", log.Error(err))
		}
		return
	}

	if err := m.requester.ListParticipants(); err != nil {
		m.logger.Warn("List participants failed", log.Error(err))
	}
}

func (m *Manager) OnRoomJoined(joined *signaling.JoinedRoom) {
	m.mtx.Lock()
	if joined.ID != 0 {
		m.publisherID = joined.ID
	}
	if joined.PrivateID != 0 {
		m.privateID = joined.PrivateID
	}
	if joined.Name != "" {
		m.roomName = joined.Name
	}
	toAttach := m.reconcileLocked(joined.Publishers)

	var startOffer bool
	var newState State
	transitioned := false
	switch {
	case m.state == StateJoining:
		transitioned = true
		if m.publish {
			m.state = StatePublishing
			m.joinedAsPublisher = true
			startOffer = true
		} else {
			m.state = StateSubscribingOnly
		}
		newState = m.state
	case m.state == StateSubscribingOnly && m.publish && !m.joinedAsPublisher:
		// a late publisher join after entering subscriber-only
		transitioned = true
		m.state = StatePublishing
		m.joinedAsPublisher = true
		startOffer = true
		newState = m.state
	}
	m.mtx.Unlock()

	roomsJoined.Add(context.Background(), 1)

	if transitioned {
		m.bus.Publish(RoomStateChanged{State: newState})
	}
	m.attachAll(toAttach)
	if startOffer {
		if err := m.sendLocalOffer(); err != nil {
			m.bus.Publish(ErrorReceived{Reason: err.Error()})
		}
	}
}

func (m *Manager) OnRosterUpdate(pubs []signaling.Publisher) {
	m.mtx.Lock()
	toAttach := m.reconcileLocked(pubs)
	m.mtx.Unlock()

	m.attachAll(toAttach)
}

func (m *Manager) OnPublisherAttached(pub signaling.Publisher, handleID int64) {
	m.mtx.Lock()
	for _, conn := range m.connections {
		if conn.HandleID() == handleID || conn.Publisher().ID == pub.ID {
			m.mtx.Unlock()
			m.logger.Debug("Ignoring duplicate attach",
				log.Int64("publisher_id", pub.ID),
				log.Int64("handle_id", handleID))
			return
		}
	}

	engine, err := m.engines.NewEngine(media.RoleSubscriber)
	if err != nil {
		m.mtx.Unlock()
		m.bus.Publish(ErrorReceived{Reason: err.Error()})
		return
	}
	conn := newConnection(handleID, pub, engine)
	m.connections = append(m.connections, conn)
	m.mtx.Unlock()

	engine.OnCandidate(func(c signaling.Candidate) {
		if err := m.requester.SendCandidate(c, handleID); err != nil {
			m.logger.Warn("Send candidate failed", log.Error(err))
		}
	})
	engine.OnStateChange(func(state media.PeerState) {
		m.logger.Info("Subscriber peer state",
			log.Int64("handle_id", handleID),
			log.String("state", state.String()))
	})

	publishersJoined.Add(context.Background(), 1)
	m.bus.Publish(PublisherJoined{Connection: conn})
}

func (m *Manager) OnRemoteDescription(handleID int64, jsep signaling.JSEP) {
	m.mtx.Lock()
	isLocal := handleID == m.handleID
	conn := m.connectionByHandleLocked(handleID)
	m.mtx.Unlock()

	if conn == nil {
		m.logger.Warn("Remote description for unknown handle", log.Int64("handle_id", handleID))
		return
	}

	if isLocal {
		// the answer to our publish offer, terminal for this negotiation
		if err := conn.Engine().SetRemoteDescription(jsep); err != nil {
			negotiationFailures.Add(context.Background(), 1)
			m.bus.Publish(ErrorReceived{Reason: err.Error()})
			return
		}
		conn.establish()
		return
	}

	// a subscribe offer from the SFU, answer it
	if err := conn.beginAnswer(); err != nil {
		m.logger.Warn("Overlapping negotiation rejected", log.Error(err))
		return
	}
	if err := conn.Engine().SetRemoteDescription(jsep); err != nil {
		negotiationFailures.Add(context.Background(), 1)
		conn.endNegotiation()
		m.bus.Publish(ErrorReceived{Reason: err.Error()})
		return
	}
	sdp, err := conn.Engine().CreateAnswer(context.Background())
	if err != nil {
		negotiationFailures.Add(context.Background(), 1)
		conn.endNegotiation()
		m.bus.Publish(ErrorReceived{Reason: err.Error()})
		return
	}
	if err := m.requester.SendAnswer(sdp, handleID); err != nil {
		m.logger.Warn("Send answer failed", log.Error(err))
	}
}

func (m *Manager) OnSubscribeStarted(handleID int64) {
	m.mtx.Lock()
	conn := m.connectionByHandleLocked(handleID)
	m.mtx.Unlock()

	if conn == nil {
		m.logger.Warn("Subscribe start for unknown handle", log.Int64("handle_id", handleID))
		return
	}
	conn.establish()
	m.logger.Info("Subscription established",
		log.Int64("handle_id", handleID),
		log.Int64("publisher_id", conn.Publisher().ID))
}

func (m *Manager) OnUnpublished() {
	m.mtx.Lock()
	local := m.localConnectionLocked()
	transitioned := m.state == StatePublishing
	if transitioned {
		m.state = StateSubscribingOnly
	}
	m.mtx.Unlock()

	if local != nil {
		local.endNegotiation()
	}
	if transitioned {
		m.bus.Publish(RoomStateChanged{State: StateSubscribingOnly})
	}
}

func (m *Manager) OnHangup(handleID int64, reason string) {
	m.mtx.Lock()
	if handleID == m.handleID {
		// local media session ended, the handle stays joined
		local := m.localConnectionLocked()
		transitioned := m.state == StatePublishing
		if transitioned {
			m.state = StateSubscribingOnly
		}
		m.mtx.Unlock()

		m.logger.Info("Local hangup", log.String("reason", reason))
		if local != nil {
			local.endNegotiation()
		}
		if transitioned {
			m.bus.Publish(RoomStateChanged{State: StateSubscribingOnly})
		}
		return
	}

	conn := m.removeConnectionLocked(handleID)
	m.mtx.Unlock()

	if conn == nil {
		m.logger.Debug("Hangup for unknown handle", log.Int64("handle_id", handleID))
		return
	}
	conn.destroy()
	publishersLeft.Add(context.Background(), 1)
	m.logger.Info("Publisher left",
		log.Int64("publisher_id", conn.Publisher().ID),
		log.String("reason", reason))
	m.bus.Publish(PublisherLeft{Connection: conn})
}

func (m *Manager) OnSessionDestroyed() {
	m.mtx.Lock()
	m.resetLocked()
	m.state = StateLeft
	m.room = 0
	m.mtx.Unlock()

	m.logger.Info("Session destroyed, room left")
	m.bus.Publish(RoomStateChanged{State: StateLeft})

	if err := m.requester.Disconnect(); err != nil {
		m.logger.Warn("Disconnect failed", log.Error(err))
	}
}

func (m *Manager) OnError(reason string) {
	// error frames never mutate state
	m.bus.Publish(ErrorReceived{Reason: reason})
}

// reconcileLocked merges the server roster and returns publishers that
// still need an attach: newly seen, not self. Known publishers are never
// re-attached, the server may re-announce the full roster.
func (m *Manager) reconcileLocked(pubs []signaling.Publisher) []signaling.Publisher {
	var toAttach []signaling.Publisher
	for _, pub := range pubs {
		if pub.ID == m.publisherID {
			continue
		}
		if _, known := m.roster[pub.ID]; known {
			continue
		}
		m.roster[pub.ID] = pub
		toAttach = append(toAttach, pub)
	}
	return toAttach
}

func (m *Manager) attachAll(pubs []signaling.Publisher) {
	for _, pub := range pubs {
		if err := m.requester.AttachPublisher(pub); err != nil {
			m.logger.Warn("Attach publisher failed",
				log.Int64("publisher_id", pub.ID), log.Error(err))
		}
	}
}

func (m *Manager) createLocalConnection() error {
	engine, err := m.engines.NewEngine(media.RolePublisher)
	if err != nil {
		return err
	}

	m.mtx.Lock()
	if local := m.localConnectionLocked(); local != nil {
		m.mtx.Unlock()
		_ = engine.Destroy()
		return nil
	}
	handleID := m.handleID
	conn := newConnection(handleID, signaling.Publisher{ID: m.publisherID, Display: m.display}, engine)
	// local connection goes first
	m.connections = append([]*Connection{conn}, m.connections...)
	m.mtx.Unlock()

	engine.OnCandidate(func(c signaling.Candidate) {
		if err := m.requester.SendCandidate(c, handleID); err != nil {
			m.logger.Warn("Send candidate failed", log.Error(err))
		}
	})
	engine.OnStateChange(func(state media.PeerState) {
		m.logger.Info("Publisher peer state", log.String("state", state.String()))
	})

	if capturer := engine.Capturer(); capturer != nil {
		m.bus.Publish(LocalCapturerCreated{Capturer: capturer})
	}
	return nil
}

func (m *Manager) sendLocalOffer() error {
	local := m.localConnection()
	if local == nil {
		return errors.New(ErrUnknownHandle, "no local connection")
	}
	if err := local.beginOffer(); err != nil {
		return err
	}

	sdp, err := local.Engine().CreateOffer(context.Background())
	if err != nil {
		negotiationFailures.Add(context.Background(), 1)
		local.endNegotiation()
		return err
	}
	return m.requester.SendOffer(sdp)
}

func (m *Manager) localConnection() *Connection {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.localConnectionLocked()
}

func (m *Manager) localConnectionLocked() *Connection {
	for _, conn := range m.connections {
		if conn.HandleID() == m.handleID {
			return conn
		}
	}
	return nil
}

func (m *Manager) connectionByHandleLocked(handleID int64) *Connection {
	for _, conn := range m.connections {
		if conn.HandleID() == handleID {
			return conn
		}
	}
	return nil
}

func (m *Manager) removeConnectionLocked(handleID int64) *Connection {
	for i, conn := range m.connections {
		if conn.HandleID() == handleID {
			m.connections = append(m.connections[:i], m.connections[i+1:]...)
			delete(m.roster, conn.Publisher().ID)
			return conn
		}
	}
	return nil
}

// resetLocked clears all session state and destroys every media engine.
// After it returns the manager is indistinguishable from a fresh one,
// except for the lifecycle state which the caller sets.
func (m *Manager) resetLocked() {
	for _, conn := range m.connections {
		conn.destroy()
	}
	m.connections = nil
	m.roster = map[int64]signaling.Publisher{}
	m.sessionID = 0
	m.handleID = 0
	m.publisherID = 0
	m.privateID = 0
	m.roomName = ""
	m.joinedAsPublisher = false

	resetsTotal.Add(context.Background(), 1)
}
