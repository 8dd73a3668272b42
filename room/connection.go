package room

import (
	"sync"

	"github.com/meonardo/videoroom-rtc/internal/errors"
	"github.com/meonardo/videoroom-rtc/media"
	"github.com/meonardo/videoroom-rtc/signaling"
)

const (
	ErrNegotiationBusy errors.Code = "negotiation busy"
	ErrInvalidState    errors.Code = "invalid room state"
	ErrUnknownHandle   errors.Code = "unknown handle"
)

type negotiationState int

const (
	negotiationIdle negotiationState = iota
	negotiationOffering
	negotiationAnswering
	negotiationEstablished
)

// Connection is one peer media relationship, keyed by its Janus plugin
// handle id. The local publish leg is a Connection like any remote feed.
// It owns its media engine exclusively and guards against overlapping
// offer/answer exchanges on the same handle.
type Connection struct {
	handleID  int64
	publisher signaling.Publisher
	engine    media.Engine

	mtx         sync.Mutex
	negotiation negotiationState
	destroyOnce sync.Once
}

func newConnection(handleID int64, publisher signaling.Publisher, engine media.Engine) *Connection {
	return &Connection{
		handleID:  handleID,
		publisher: publisher,
		engine:    engine,
	}
}

func (c *Connection) HandleID() int64 {
	return c.handleID
}

func (c *Connection) Publisher() signaling.Publisher {
	return c.publisher
}

func (c *Connection) Engine() media.Engine {
	return c.engine
}

// beginOffer reserves the negotiation slot for an outgoing offer. A handle
// already mid-negotiation rejects the request instead of interleaving.
func (c *Connection) beginOffer() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.negotiation == negotiationOffering || c.negotiation == negotiationAnswering {
		return errors.Newf(ErrNegotiationBusy, "handle %d already negotiating", c.handleID)
	}
	c.negotiation = negotiationOffering
	return nil
}

func (c *Connection) beginAnswer() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.negotiation == negotiationOffering || c.negotiation == negotiationAnswering {
		return errors.Newf(ErrNegotiationBusy, "handle %d already negotiating", c.handleID)
	}
	c.negotiation = negotiationAnswering
	return nil
}

func (c *Connection) establish() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.negotiation = negotiationEstablished
}

// endNegotiation returns the handle to idle, e.g. after an unpublish ack,
// so a later publish can negotiate again.
func (c *Connection) endNegotiation() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.negotiation = negotiationIdle
}

func (c *Connection) negotiating() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.negotiation == negotiationOffering || c.negotiation == negotiationAnswering
}

// destroy releases the media engine. Safe to call more than once; the
// engine is torn down exactly once.
func (c *Connection) destroy() {
	c.destroyOnce.Do(func() {
		if c.engine != nil {
			_ = c.engine.Destroy()
		}
	})
}
