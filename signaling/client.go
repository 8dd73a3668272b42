package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/meonardo/videoroom-rtc/internal/errors"
	"github.com/meonardo/videoroom-rtc/internal/log"
)

const (
	keepaliveInterval = 20 * time.Second
	reconnectDelay    = 2 * time.Second
	pendingTTL        = 40 * time.Second
)

// Client speaks the Janus videoroom protocol over a Transport. It owns the
// connection lifecycle (keepalive, reconnect) and request/reply
// correlation; all protocol state transitions are forwarded to the Handler,
// which owns session and roster state. Frames are dispatched from the
// transport read goroutine, so Handler notifications arrive serialized in
// frame order.
type Client struct {
	transport Transport
	handler   Handler
	clock     clockwork.Clock
	logger    *log.Logger

	mtx            sync.Mutex
	ctx            context.Context
	state          ConnectionState
	closing        bool
	reconnectArmed bool
	pendings       map[string]time.Time
	stopKeepalive  context.CancelFunc
}

func NewClient(transport Transport, handler Handler, clock clockwork.Clock, logger *log.Logger) *Client {
	return &Client{
		transport: transport,
		handler:   handler,
		clock:     clock,
		logger:    logger.Module("signaling_client"),
		state:     StateDisconnected,
		pendings:  map[string]time.Time{},
	}
}

// Connect establishes the signaling link. The context bounds the whole
// client lifetime, reconnect attempts included. Connecting an already live
// client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mtx.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mtx.Unlock()
		return nil
	}
	c.ctx = ctx
	c.closing = false
	c.mtx.Unlock()

	return c.connect(ctx)
}

func (c *Client) connect(ctx context.Context) error {
	c.setState(StateConnecting)

	if err := c.transport.Connect(ctx, c); err != nil {
		c.setState(StateError)
		c.handler.OnError(err.Error())
		c.scheduleReconnect()
		return err
	}

	c.setState(StateConnected)
	return nil
}

// Disconnect tears the link down deliberately. No reconnect follows.
func (c *Client) Disconnect() error {
	c.mtx.Lock()
	c.closing = true
	c.mtx.Unlock()

	c.stopKeepaliveLoop()
	return c.transport.Close()
}

func (c *Client) CreateRoomSession(room int) error {
	bs, err := encodeCreateSession(room)
	if err != nil {
		return err
	}
	return c.send(txCreate, bs)
}

func (c *Client) JoinRoomAsPublisher() error {
	bs, err := encodeJoinAsPublisher(
		c.handler.SessionID(), c.handler.HandleID(),
		c.handler.RoomNumber(), c.handler.DisplayName())
	if err != nil {
		return err
	}
	return c.send(txJoinRoom, bs)
}

func (c *Client) LeaveRoom() error {
	bs, err := encodeDestroy(c.handler.SessionID())
	if err != nil {
		return err
	}
	return c.send(txDestroy, bs)
}

func (c *Client) Unpublish() error {
	bs, err := encodeUnpublish(c.handler.SessionID(), c.handler.HandleID())
	if err != nil {
		return err
	}
	return c.send(txUnpublish, bs)
}

func (c *Client) AttachPublisher(pub Publisher) error {
	bs, err := encodeSubscribeAttach(c.handler.SessionID(), pub.ID)
	if err != nil {
		return err
	}
	return c.send(AttachTransaction(pub.ID), bs)
}

func (c *Client) ListParticipants() error {
	bs, err := encodeListParticipants(
		c.handler.SessionID(), c.handler.HandleID(), c.handler.RoomNumber())
	if err != nil {
		return err
	}
	return c.send(txListParticipants, bs)
}

func (c *Client) SendOffer(sdp string) error {
	bs, err := encodeConfigureOffer(c.handler.SessionID(), c.handler.HandleID(), sdp)
	if err != nil {
		return err
	}
	return c.send(txConfigure, bs)
}

func (c *Client) SendAnswer(sdp string, handleID int64) error {
	bs, err := encodeSubscribeStart(
		c.handler.SessionID(), handleID, c.handler.RoomNumber(), sdp)
	if err != nil {
		return err
	}
	return c.send(txStart, bs)
}

func (c *Client) SendCandidate(cand Candidate, handleID int64) error {
	bs, err := encodeCandidate(c.handler.SessionID(), handleID, cand)
	if err != nil {
		return err
	}
	// trickle acks carry a generated transaction, not worth tracking
	return c.send("", bs)
}

func (c *Client) send(transaction string, data []byte) error {
	if transaction != "" {
		c.mtx.Lock()
		c.pendings[transaction] = c.clock.Now()
		c.mtx.Unlock()
	}

	if err := c.transport.Send(data); err != nil {
		if transaction != "" {
			c.mtx.Lock()
			delete(c.pendings, transaction)
			c.mtx.Unlock()
		}
		messagesFailed.Add(context.Background(), 1)
		return errors.Wrapf(ErrTransport, err, "send %q", transaction)
	}
	messagesSent.Add(context.Background(), 1)
	return nil
}

// OnFrame implements TransportHandler.
func (c *Client) OnFrame(data []byte) {
	messagesReceived.Add(context.Background(), 1)

	ev, err := Decode(data)
	if err != nil {
		framesMalformed.Add(context.Background(), 1)
		c.logger.Warn("Dropping malformed frame", log.Error(err))
		return
	}

	c.resolvePending(data)
	c.dispatch(ev)
}

func (c *Client) resolvePending(data []byte) {
	var env struct {
		Transaction string `json:"transaction"`
	}
	// already known to parse; only the label is needed here
	_ = json.Unmarshal(data, &env)
	if env.Transaction == "" {
		return
	}

	c.mtx.Lock()
	sentAt, ok := c.pendings[env.Transaction]
	if ok {
		delete(c.pendings, env.Transaction)
	}
	c.mtx.Unlock()

	if ok {
		requestLatency.Record(context.Background(),
			c.clock.Since(sentAt).Seconds())
	}
}

func (c *Client) dispatch(ev Event) {
	switch e := ev.(type) {
	case ErrorEvent:
		c.logger.Warn("Janus error", log.Int("code", e.Code), log.String("reason", e.Reason))
		c.handler.OnError(e.Reason)

	case SessionCreatedEvent:
		c.handler.OnSessionCreated(e.SessionID)
		c.attach(e.SessionID)

	case SelfAttachedEvent:
		c.handler.OnSelfAttached(e.HandleID)
		c.startKeepaliveLoop()

	case PublisherAttachedEvent:
		c.onPublisherAttached(e)

	case RoomJoinedEvent:
		c.handler.OnRoomJoined(e.Room)

	case RemoteDescriptionEvent:
		handleID := e.Sender
		if e.Local {
			handleID = c.handler.HandleID()
		}
		c.handler.OnRemoteDescription(handleID, e.JSEP)

	case SubscribeStartedEvent:
		c.handler.OnSubscribeStarted(e.HandleID)

	case UnpublishAckEvent:
		c.handler.OnUnpublished()

	case SessionDestroyedEvent:
		c.stopKeepaliveLoop()
		c.handler.OnSessionDestroyed()

	case HangupEvent:
		c.handler.OnHangup(e.HandleID, e.Reason)

	case RosterUpdateEvent:
		c.handler.OnRosterUpdate(e.Publishers)

	case ParticipantsEvent:
		// the participants listing doubles as the join confirmation for
		// subscriber-only entry, so it takes the full joined-room path
		c.handler.OnRoomJoined(e.Room)

	case NoOpEvent:
		c.logger.Debug("Ignoring frame",
			log.String("janus", e.Janus),
			log.String("transaction", e.Transaction))
	}
}

func (c *Client) attach(sessionID int64) {
	bs, err := encodeAttach(sessionID)
	if err != nil {
		c.handler.OnError(err.Error())
		return
	}
	if err := c.send(txAttach, bs); err != nil {
		c.handler.OnError(err.Error())
	}
}

// onPublisherAttached completes the subscriber attach flow: resolve the
// publisher the composite transaction names, then ask for its feed on the
// fresh handle.
func (c *Client) onPublisherAttached(e PublisherAttachedEvent) {
	pub, ok := c.handler.PublisherByID(e.PublisherID)
	if !ok {
		c.logger.Warn("Attach reply for unknown publisher",
			log.Int64("publisher_id", e.PublisherID))
		return
	}
	c.handler.OnPublisherAttached(pub, e.HandleID)

	bs, err := encodeSubscribeJoin(
		c.handler.SessionID(), e.HandleID, c.handler.RoomNumber(), pub.ID)
	if err != nil {
		c.handler.OnError(err.Error())
		return
	}
	if err := c.send(txSubscribeJoin, bs); err != nil {
		c.handler.OnError(err.Error())
	}
}

// OnClosed implements TransportHandler. A deliberate Disconnect ends here;
// anything else arms a single reconnect attempt.
func (c *Client) OnClosed(err error) {
	c.stopKeepaliveLoop()

	c.mtx.Lock()
	closing := c.closing
	c.mtx.Unlock()

	if closing {
		c.setState(StateCancelled)
		return
	}

	disconnectsTotal.Add(context.Background(), 1)
	if err != nil {
		c.logger.Warn("Signaling link lost", log.Error(err))
	}
	c.setState(StateDisconnected)
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.mtx.Lock()
	if c.closing || c.reconnectArmed {
		c.mtx.Unlock()
		return
	}
	c.reconnectArmed = true
	ctx := c.ctx
	c.mtx.Unlock()

	c.clock.AfterFunc(reconnectDelay, func() {
		c.mtx.Lock()
		c.reconnectArmed = false
		closing := c.closing
		c.mtx.Unlock()

		if closing || ctx.Err() != nil {
			return
		}
		reconnectsTotal.Add(context.Background(), 1)
		c.logger.Info("Reconnecting signaling link")
		_ = c.connect(ctx)
	})
}

func (c *Client) setState(state ConnectionState) {
	c.mtx.Lock()
	if c.state == state {
		c.mtx.Unlock()
		return
	}
	c.state = state
	c.mtx.Unlock()

	c.logger.Info("Signaling state", log.String("state", state.String()))
	c.handler.OnSignalingState(state)
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.state
}

func (c *Client) startKeepaliveLoop() {
	c.mtx.Lock()
	if c.stopKeepalive != nil {
		c.mtx.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.stopKeepalive = cancel
	c.mtx.Unlock()

	go c.keepaliveLoop(ctx)
}

func (c *Client) stopKeepaliveLoop() {
	c.mtx.Lock()
	cancel := c.stopKeepalive
	c.stopKeepalive = nil
	c.mtx.Unlock()

	if cancel != nil {
		cancel()
	}
}

// keepaliveLoop keeps the Janus session alive and doubles as the sweeper
// for request/reply correlation entries that never got an answer.
func (c *Client) keepaliveLoop(ctx context.Context) {
	ticker := c.clock.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.sendKeepalive()
			c.sweepPendings()
		}
	}
}

func (c *Client) sendKeepalive() {
	sessionID := c.handler.SessionID()
	if sessionID == 0 {
		return
	}
	bs, err := encodeKeepalive(sessionID)
	if err != nil {
		c.logger.Warn("Encode keepalive failed", log.Error(err))
		return
	}
	if err := c.send("", bs); err != nil {
		c.logger.Warn("Keepalive failed", log.Error(err))
	}
}

// A request whose reply never arrives is a protocol-level problem worth
// surfacing, but not worth retrying: the server either dropped it or
// answered with an unroutable frame.
func (c *Client) sweepPendings() {
	now := c.clock.Now()

	c.mtx.Lock()
	var expired []string
	for tx, sentAt := range c.pendings {
		if now.Sub(sentAt) > pendingTTL {
			expired = append(expired, tx)
			delete(c.pendings, tx)
		}
	}
	c.mtx.Unlock()

	for _, tx := range expired {
		requestsTimedOut.Add(context.Background(), 1)
		c.logger.Warn("Request timed out without a reply", log.String("transaction", tx))
	}
}
