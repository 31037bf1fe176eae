package engine

import "sync"

// subscriberBufferSize is the channel buffer for each log subscriber.
// Chunks are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// LogChunk is a piece of a job's log. Offset is the byte position of Text
// within the full log. Reset marks a chunk that replaces the log entirely.
type LogChunk struct {
	Offset int
	Text   string
	Reset  bool
}

// LogBroker fans out log progress of running jobs to subscribers.
// It is safe for concurrent use.
//
// A topic exists from Open until Forget. Closed topics are retained as
// markers so that late subscribers receive a closed channel instead of
// blocking forever. Forget drops a marker once the job leaves the registry.
type LogBroker struct {
	mu     sync.Mutex
	topics map[string]*logTopic
}

type logTopic struct {
	subs   map[int]chan LogChunk
	nextID int
	closed bool
}

// NewLogBroker creates a new log broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{
		topics: make(map[string]*logTopic),
	}
}

// Open creates the topic for a job. Opening an existing topic is a no-op.
func (b *LogBroker) Open(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.topics[jobID]; !ok {
		b.topics[jobID] = &logTopic{subs: make(map[int]chan LogChunk)}
	}
}

// Subscribe returns a channel that receives log chunks for the given job and
// an unsubscribe function. If the job already finished or has no topic, the
// returned channel is closed.
func (b *LogBroker) Subscribe(jobID string) (<-chan LogChunk, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan LogChunk, subscriberBufferSize)
	t, ok := b.topics[jobID]
	if !ok || t.closed {
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

// Publish sends a chunk to all subscribers of the given job. Chunks are
// dropped for subscribers whose buffers are full.
func (b *LogBroker) Publish(jobID string, chunk LogChunk) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- chunk:
		default:
		}
	}
}

// Close signals that no more chunks will be published for the given job.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel. Closing a forgotten or unknown job is a no-op.
func (b *LogBroker) Close(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Forget removes all state for a job. Open subscriptions are closed.
func (b *LogBroker) Forget(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		return
	}
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
	delete(b.topics, jobID)
}

// Len returns the number of tracked topics.
func (b *LogBroker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}
