package engine

import "sync"

const (
	// subscriberBufferSize is the channel buffer for each log subscriber.
	// Lines are dropped if a subscriber falls this far behind.
	subscriberBufferSize = 64

	// backlogSize is how many recent lines an open run keeps for subscribers
	// that join after the run has started.
	backlogSize = 256
)

// LogBroker fans the stage output of running evaluations out to live
// subscribers. It is safe for concurrent use.
//
// A subscriber joining mid-run first receives up to backlogSize of the most
// recent lines. Finished runs keep only a closed marker, so late subscribers
// get a closed channel and read the full history from the store instead.
type LogBroker struct {
	mu     sync.Mutex
	topics map[string]*runTopic
}

type runTopic struct {
	subs    map[int]chan string
	nextID  int
	backlog []string
	closed  bool
}

// NewLogBroker creates a new log broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{
		topics: make(map[string]*runTopic),
	}
}

func (b *LogBroker) topic(runID string) *runTopic {
	t, ok := b.topics[runID]
	if !ok {
		t = &runTopic{subs: make(map[int]chan string)}
		b.topics[runID] = t
	}
	return t
}

// Subscribe returns a channel that receives the run's stage output and an
// unsubscribe function. The channel is closed when the run finishes; if it
// already has, the channel is returned closed.
func (b *LogBroker) Subscribe(runID string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(runID)
	ch := make(chan string, subscriberBufferSize+len(t.backlog))
	if t.closed {
		close(ch)
		return ch, func() {}
	}
	for _, line := range t.backlog {
		ch <- line
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

// Publish sends a line to every subscriber of the run and records it in the
// run's backlog. Subscribers whose buffers are full miss the line.
func (b *LogBroker) Publish(runID string, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(runID)
	if t.closed {
		return
	}

	if len(t.backlog) == backlogSize {
		copy(t.backlog, t.backlog[1:])
		t.backlog = t.backlog[:backlogSize-1]
	}
	t.backlog = append(t.backlog, line)

	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
			logLinesDropped.Inc()
		}
	}
}

// Subscribers returns the number of live subscribers of a run.
func (b *LogBroker) Subscribers(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[runID]; ok {
		return len(t.subs)
	}
	return 0
}

// Close marks the run finished: every subscriber channel is closed, the
// backlog is released and later Subscribe calls return a closed channel.
func (b *LogBroker) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(runID)
	t.closed = true
	t.backlog = nil
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
