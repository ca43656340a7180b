package relayer

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/omni/tokenbridge-relayer/entity"
)

type EventType string

const (
	EventTransactionCreated   EventType = "transaction_created"
	EventTransactionCompleted EventType = "transaction_completed"
	EventTransactionFailed    EventType = "transaction_failed"
	EventKeyRotated           EventType = "key_rotated"
	EventCheckpointWritten    EventType = "checkpoint_written"
)

// Event is a notification about relayer progress. Transaction is set for the
// transaction events, KeyAddress for key rotations, CheckpointID for written
// checkpoints.
type Event struct {
	Type         EventType
	BridgeID     string
	At           time.Time
	Transaction  *entity.BridgeTransaction
	KeyAddress   common.Address
	CheckpointID string
}

// Broadcaster fans pipeline events out to subscribed channels. Publish never
// blocks the pipeline: an event for a subscriber with a full buffer is
// dropped and counted instead.
type Broadcaster struct {
	bridgeID string
	mu       sync.RWMutex
	subs     []chan Event
	closed   bool
}

func NewBroadcaster(bridgeID string) *Broadcaster {
	return &Broadcaster{
		bridgeID: bridgeID,
	}
}

// Subscribe registers a new subscriber channel with the given buffer size.
// The channel is closed when the broadcaster is closed.
func (b *Broadcaster) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

func (b *Broadcaster) Publish(event Event) {
	event.BridgeID = b.bridgeID
	if event.At.IsZero() {
		event.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			DroppedEvents.WithLabelValues(b.bridgeID, string(event.Type)).Inc()
		}
	}
}

func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

type broadcastNotifier struct {
	broadcaster *Broadcaster
}

func (n broadcastNotifier) KeyRotated(newActive common.Address) {
	n.broadcaster.Publish(Event{Type: EventKeyRotated, KeyAddress: newActive})
}

func (n broadcastNotifier) CheckpointWritten(id string) {
	n.broadcaster.Publish(Event{Type: EventCheckpointWritten, CheckpointID: id})
}
