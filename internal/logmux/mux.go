package logmux

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Paintersrp/procman/internal/logstream"
	"github.com/Paintersrp/procman/internal/runtime"
)

// Record is one line attributed to the entry it came from.
type Record struct {
	ID   string
	Name string
	logstream.Line
}

// Dropped reports whether r is a synthesized drop marker.
func (r Record) Dropped() bool {
	return r.Seq == 0 && r.Source == runtime.LogSourceSystem && strings.HasPrefix(r.Text, "dropped=")
}

// Mux fans in lines from multiple entries and delivers them via a bounded
// channel. When downstream consumers cannot keep up and the output buffer would
// overflow, the mux drops lines and emits a synthesized warning record carrying
// the number of discarded lines for that entry.
type Mux struct {
	out chan Record

	mu     sync.Mutex
	drops  map[string]dropRecord
	inputs sync.WaitGroup
}

type dropRecord struct {
	name  string
	count int
}

// New constructs a mux backed by a channel of the provided size. A size of
// zero results in a minimally buffered channel.
func New(size int) *Mux {
	if size <= 0 {
		size = 1
	}
	return &Mux{
		out:   make(chan Record, size),
		drops: make(map[string]dropRecord),
	}
}

// Output exposes the muxed channel.
func (m *Mux) Output() <-chan Record {
	return m.out
}

// Add registers a raw source channel. The mux consumes records until the
// source channel is closed.
func (m *Mux) Add(source <-chan Record) {
	if source == nil {
		return
	}
	m.inputs.Add(1)
	go func() {
		defer m.inputs.Done()
		for rec := range source {
			m.deliver(normalize(rec))
		}
	}()
}

// Follow replays the subscription backlog and then forwards live lines until
// the subscription is closed. Lines the streamer could not hand to the
// subscription are reported as drops too.
func (m *Mux) Follow(id, name string, sub *logstream.Subscription) {
	if sub == nil {
		return
	}
	m.inputs.Add(1)
	go func() {
		defer m.inputs.Done()
		for _, line := range sub.Backlog {
			m.deliver(normalize(Record{ID: id, Name: name, Line: line}))
		}
		var seen uint64
		for line := range sub.C() {
			if dropped := sub.Dropped(); dropped > seen {
				m.recordDropWithCount(id, name, int(dropped-seen))
				seen = dropped
			}
			m.deliver(normalize(Record{ID: id, Name: name, Line: line}))
		}
		if dropped := sub.Dropped(); dropped > seen {
			m.recordDropWithCount(id, name, int(dropped-seen))
		}
	}()
}

// Close waits for all sources to be drained, emits any pending drop metadata,
// and closes the output channel. Sources must be closed first.
func (m *Mux) Close() {
	m.inputs.Wait()
	m.flushDrops()
	close(m.out)
}

func (m *Mux) deliver(rec Record) {
	if !m.flushPending(rec.ID) {
		m.recordDrop(rec.ID, rec.Name)
		return
	}
	if m.trySend(rec) {
		return
	}
	m.recordDrop(rec.ID, rec.Name)
}

func (m *Mux) flushPending(id string) bool {
	for {
		rec := m.takeDrops(id)
		if rec.count == 0 {
			return true
		}
		if m.trySend(synthesizeDrop(id, rec)) {
			continue
		}
		m.recordDropWithCount(id, rec.name, rec.count)
		return false
	}
}

func (m *Mux) takeDrops(id string) dropRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.drops[id]
	if rec.count != 0 {
		delete(m.drops, id)
	}
	return rec
}

func (m *Mux) recordDrop(id, name string) {
	m.recordDropWithCount(id, name, 1)
}

func (m *Mux) recordDropWithCount(id, name string, count int) {
	if count <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.drops[id]
	rec.count += count
	if name != "" {
		rec.name = name
	}
	m.drops[id] = rec
}

func (m *Mux) flushDrops() {
	for id, rec := range m.collectDrops() {
		m.out <- synthesizeDrop(id, rec)
	}
}

func (m *Mux) collectDrops() map[string]dropRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.drops) == 0 {
		return nil
	}
	dup := make(map[string]dropRecord, len(m.drops))
	for id, rec := range m.drops {
		if rec.count == 0 {
			continue
		}
		dup[id] = rec
	}
	m.drops = make(map[string]dropRecord)
	return dup
}

func (m *Mux) trySend(rec Record) bool {
	select {
	case m.out <- rec:
		return true
	default:
		return false
	}
}

func normalize(rec Record) Record {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.Source == "" {
		rec.Source = runtime.LogSourceStdout
	}
	if rec.Level == "" {
		if rec.Source == runtime.LogSourceStderr {
			rec.Level = "warn"
		} else {
			rec.Level = "info"
		}
	}
	if rec.Name == "" {
		rec.Name = rec.ID
	}
	return rec
}

func synthesizeDrop(id string, rec dropRecord) Record {
	name := rec.name
	if name == "" {
		name = id
	}
	return Record{
		ID:   id,
		Name: name,
		Line: logstream.Line{
			Timestamp: time.Now(),
			Source:    runtime.LogSourceSystem,
			Level:     "warn",
			Text:      fmt.Sprintf("dropped=%d", rec.count),
		},
	}
}
