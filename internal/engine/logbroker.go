package engine

import (
	"sync"

	"github.com/seantiz/jobrunner/internal/model"
)

// subscriberBufferSize is the channel buffer for each output subscriber.
// Lines are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// LogBroker fans out the output lines of each dispatch to live subscribers.
// It is safe for concurrent use.
//
// Closed topics are kept as markers so that a subscriber arriving after a
// dispatch has finished gets a closed channel instead of blocking forever.
type LogBroker struct {
	mu     sync.Mutex
	topics map[string]*outputTopic
}

type outputTopic struct {
	subs   map[int]chan model.OutputLine
	nextID int
	closed bool
}

// NewLogBroker creates a new log broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{
		topics: make(map[string]*outputTopic),
	}
}

func (b *LogBroker) topic(dispatchID string) *outputTopic {
	t, ok := b.topics[dispatchID]
	if !ok {
		t = &outputTopic{subs: make(map[int]chan model.OutputLine)}
		b.topics[dispatchID] = t
	}
	return t
}

// Subscribe returns a channel that receives output lines for the given
// dispatch and an unsubscribe function. If the dispatch has already finished,
// the returned channel is closed.
func (b *LogBroker) Subscribe(dispatchID string) (<-chan model.OutputLine, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(dispatchID)
	ch := make(chan model.OutputLine, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends a line to all subscribers of its dispatch. Lines are
// dropped for subscribers whose buffers are full.
func (b *LogBroker) Publish(line model.OutputLine) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[line.DispatchID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
			// Never block an instance on a slow reader.
		}
	}
}

// Close signals that the dispatch will publish no more lines. All
// subscriber channels are closed and future Subscribe calls return a closed
// channel.
func (b *LogBroker) Close(dispatchID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(dispatchID)
	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
