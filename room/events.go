package room

import (
	"context"
	"sync"

	"github.com/meonardo/videoroom-rtc/internal/log"
	"github.com/meonardo/videoroom-rtc/media"
	"github.com/meonardo/videoroom-rtc/signaling"
)

// Event is a state change published by the Manager. Subscribers receive
// concrete types and switch on them.
type Event interface {
	isRoomEvent()
}

type SignalingStateChanged struct {
	State signaling.ConnectionState
}

type RoomStateChanged struct {
	State State
}

type PublisherJoined struct {
	Connection *Connection
}

type PublisherLeft struct {
	Connection *Connection
}

type ErrorReceived struct {
	Reason string
}

type LocalCapturerCreated struct {
	Capturer *media.Capturer
}

func (SignalingStateChanged) isRoomEvent() {}
func (RoomStateChanged) isRoomEvent()      {}
func (PublisherJoined) isRoomEvent()       {}
func (PublisherLeft) isRoomEvent()         {}
func (ErrorReceived) isRoomEvent()         {}
func (LocalCapturerCreated) isRoomEvent()  {}

// Bus fans Manager events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event and a warning is logged,
// so a stalled observer cannot stall the signaling read loop.
type Bus struct {
	logger *log.Logger

	mtx    sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func NewBus(logger *log.Logger) *Bus {
	return &Bus{
		logger: logger.Module("room_bus"),
		subs:   map[int]chan Event{},
	}
}

// Subscribe registers a subscriber with the given buffer size and returns
// its channel plus an unsubscribe function. Unsubscribing closes the
// channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	b.mtx.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mtx.Unlock()

	unsubscribe := func() {
		b.mtx.Lock()
		defer b.mtx.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, unsubscribe
}

func (b *Bus) Publish(ev Event) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			eventsDropped.Add(context.Background(), 1)
			b.logger.Warn("Dropping event for slow subscriber", log.Int("subscriber", id))
		}
	}
}
