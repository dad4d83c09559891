// Package logstream buffers entry output and fans it out to subscribers.
//
// Every entry owns a bounded ring of lines. Each line gets a sequence number
// that keeps increasing for the lifetime of the entry, across restarts and
// buffer clears, so a subscriber can ask for everything after a sequence it
// has already seen. Subscribe takes the backlog and registers for live lines
// under the same lock that appends, which rules out gaps and duplicates
// between the two. Live delivery never blocks: a subscriber whose channel is
// full loses the line and its Dropped counter goes up.
package logstream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Paintersrp/procman/internal/runtime"
)

const (
	DefaultCapacity         = 1000
	DefaultSubscriberBuffer = 256
)

// Line is one buffered output line.
type Line struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Source    string    `json:"source"`
	Level     string    `json:"level"`
	Text      string    `json:"text"`
}

// Options configures a Streamer.
type Options struct {
	Capacity         int
	SubscriberBuffer int
	// OnLine runs for every appended line, outside any streamer lock.
	OnLine func(id string, line Line)
	// OnDrop runs when a subscriber misses a live line.
	OnDrop func(id string)
}

// Streamer holds the log buffers of all entries.
type Streamer struct {
	capacity  int
	subBuffer int
	onLine    func(string, Line)
	onDrop    func(string)

	mu      sync.Mutex
	entries map[string]*entryLog
}

type entryLog struct {
	mu      sync.Mutex
	ring    *ring
	lastSeq uint64
	subs    map[*Subscription]struct{}
	attach  *Attachment
}

// New constructs a Streamer.
func New(opts Options) *Streamer {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = DefaultSubscriberBuffer
	}
	return &Streamer{
		capacity:  opts.Capacity,
		subBuffer: opts.SubscriberBuffer,
		onLine:    opts.OnLine,
		onDrop:    opts.OnDrop,
		entries:   make(map[string]*entryLog),
	}
}

func (s *Streamer) entry(id string) *entryLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.entries[id]
	if !ok {
		log = &entryLog{ring: newRing(s.capacity), subs: make(map[*Subscription]struct{})}
		s.entries[id] = log
	}
	return log
}

// Attachment is an active pump from an output channel into an entry buffer.
type Attachment struct {
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	detached atomic.Bool
}

// Done is closed when pumping ends, either because the source closed or
// because the attachment was detached.
func (a *Attachment) Done() <-chan struct{} { return a.done }

// Detached reports whether pumping ended through Detach rather than the
// source closing.
func (a *Attachment) Detached() bool { return a.detached.Load() }

func (a *Attachment) detach() {
	a.stopOnce.Do(func() { close(a.stop) })
}

// Attach pumps src into the buffer of id until src closes or Detach is
// called. A previous attachment for id is detached first.
func (s *Streamer) Attach(id string, src <-chan runtime.LogEntry) *Attachment {
	log := s.entry(id)
	a := &Attachment{done: make(chan struct{}), stop: make(chan struct{})}

	log.mu.Lock()
	prev := log.attach
	log.attach = a
	log.mu.Unlock()
	if prev != nil {
		prev.detach()
	}

	go s.pump(id, log, a, src)
	return a
}

func (s *Streamer) pump(id string, log *entryLog, a *Attachment, src <-chan runtime.LogEntry) {
	defer close(a.done)
	defer func() {
		log.mu.Lock()
		if log.attach == a {
			log.attach = nil
		}
		log.mu.Unlock()
	}()
	for {
		select {
		case entry, ok := <-src:
			if !ok {
				return
			}
			s.append(id, log, entry)
		case <-a.stop:
			a.detached.Store(true)
			// The producer must never block on a channel nobody reads.
			go func() {
				for range src {
				}
			}()
			return
		}
	}
}

// Detach stops the pump for id. Later output is discarded.
func (s *Streamer) Detach(id string) {
	log := s.entry(id)
	log.mu.Lock()
	a := log.attach
	log.attach = nil
	log.mu.Unlock()
	if a != nil {
		a.detach()
	}
}

// Append records a line for id, e.g. a supervisor status message.
func (s *Streamer) Append(id string, entry runtime.LogEntry) Line {
	return s.append(id, s.entry(id), entry)
}

// AppendSystem records a supervisor line for id.
func (s *Streamer) AppendSystem(id, text string) Line {
	return s.Append(id, runtime.NewLogEntry(runtime.LogSourceSystem, text))
}

func (s *Streamer) append(id string, log *entryLog, entry runtime.LogEntry) Line {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	log.mu.Lock()
	log.lastSeq++
	line := Line{
		Seq:       log.lastSeq,
		Timestamp: ts,
		Source:    entry.Source,
		Level:     classify(entry.Message, entry.Level),
		Text:      entry.Message,
	}
	log.ring.push(line)
	var drops int
	for sub := range log.subs {
		select {
		case sub.c <- line:
		default:
			sub.dropped.Add(1)
			drops++
		}
	}
	log.mu.Unlock()

	if s.onDrop != nil {
		for i := 0; i < drops; i++ {
			s.onDrop(id)
		}
	}
	if s.onLine != nil {
		s.onLine(id, line)
	}
	return line
}

// Clear empties the buffer of id. Sequence numbers are not reset.
func (s *Streamer) Clear(id string) {
	log := s.entry(id)
	log.mu.Lock()
	log.ring.reset()
	log.mu.Unlock()
}

// Lines returns buffered lines of id with Seq greater than after.
func (s *Streamer) Lines(id string, after uint64) []Line {
	log := s.entry(id)
	log.mu.Lock()
	defer log.mu.Unlock()
	return log.ring.since(after)
}

// Tail returns at most n of the newest buffered lines of id.
func (s *Streamer) Tail(id string, n int) []Line {
	lines := s.Lines(id, 0)
	if n >= 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// LastSeq returns the sequence number of the newest line ever recorded for id.
func (s *Streamer) LastSeq(id string) uint64 {
	log := s.entry(id)
	log.mu.Lock()
	defer log.mu.Unlock()
	return log.lastSeq
}

// Len returns the number of buffered lines for id.
func (s *Streamer) Len(id string) int {
	log := s.entry(id)
	log.mu.Lock()
	defer log.mu.Unlock()
	return log.ring.len()
}

// Remove detaches id, closes its subscriptions and frees its buffer.
func (s *Streamer) Remove(id string) {
	s.mu.Lock()
	log, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()
	if !ok {
		return
	}

	log.mu.Lock()
	a := log.attach
	log.attach = nil
	for sub := range log.subs {
		delete(log.subs, sub)
		sub.closeLocked()
	}
	log.mu.Unlock()
	if a != nil {
		a.detach()
	}
}

// Subscription delivers the backlog followed by live lines.
type Subscription struct {
	// Backlog holds the buffered lines newer than the requested sequence.
	Backlog []Line

	c         chan Line
	log       *entryLog
	dropped   atomic.Uint64
	closeOnce sync.Once
}

// C carries live lines. It is closed by Close or when the entry is removed.
func (s *Subscription) C() <-chan Line { return s.c }

// Dropped counts live lines lost because C was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unregisters the subscription.
func (s *Subscription) Close() {
	s.log.mu.Lock()
	delete(s.log.subs, s)
	s.closeLocked()
	s.log.mu.Unlock()
}

func (s *Subscription) closeLocked() {
	s.closeOnce.Do(func() { close(s.c) })
}

// Subscribe returns the buffered lines of id newer than after and registers
// for every line appended afterwards. Pass 0 to replay the whole buffer.
func (s *Streamer) Subscribe(id string, after uint64) *Subscription {
	log := s.entry(id)
	sub := &Subscription{c: make(chan Line, s.subBuffer), log: log}

	log.mu.Lock()
	sub.Backlog = log.ring.since(after)
	log.subs[sub] = struct{}{}
	log.mu.Unlock()
	return sub
}
