package engine

import "sync"

// subscriberBufferSize is the channel buffer for each log subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// LogEvent is one log line as streamed to subscribers. Seq matches the
// sequence number the line is persisted under, so SSE clients can correlate
// the live stream with the stored history.
type LogEvent struct {
	Seq  int
	Line string
}

// LogBroker manages per-job log streaming to subscribers.
// It is safe for concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a job finishes) receive a closed channel instead of
// blocking forever. Each marker is a few bytes, which is acceptable for the
// expected job volume.
type LogBroker struct {
	mu     sync.Mutex
	topics map[string]*logTopic
}

type logTopic struct {
	subs   map[int]chan LogEvent
	nextID int
	closed bool
}

// NewLogBroker creates a new log broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{
		topics: make(map[string]*logTopic),
	}
}

// Subscribe returns a channel that receives log events for the given job and
// an unsubscribe function. If the job has already finished (Close was
// called), the returned channel is immediately closed.
func (b *LogBroker) Subscribe(jobID string) (<-chan LogEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		t = &logTopic{subs: make(map[int]chan LogEvent)}
		b.topics[jobID] = t
	}

	ch := make(chan LogEvent, subscriberBufferSize)
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

// Publish sends a log event to all subscribers of the given job.
// Events are dropped for subscribers whose buffers are full.
func (b *LogBroker) Publish(jobID string, ev LogEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Drop the event for slow subscribers to avoid blocking execution.
		}
	}
}

// Close signals that no more logs will be published for the given job.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel.
func (b *LogBroker) Close(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		// Create a closed marker so late subscribers get a closed channel.
		b.topics[jobID] = &logTopic{subs: make(map[int]chan LogEvent), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
