// Package fake provides an in-memory kbus.Bus for tests: enough of a
// compacted log to script exact read transcripts (placeholders, keyed
// records, tombstones) deterministically, without a real broker or Pulsar
// cluster running.
package fake

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kcoord/kcoord/pkg/kcoord/kbus"
)

// ErrClosed is returned by a reader or producer once Close has been called.
var ErrClosed = errors.New("fake: handle closed")

type id int64

func (i id) Compare(other kbus.MsgID) int {
	o := other.(id)
	switch {
	case i < o:
		return -1
	case i > o:
		return 1
	default:
		return 0
	}
}

type record struct {
	id    id
	key   []byte
	value []byte
	at    time.Time
}

// topic is a single append-only log, shared by every producer/reader handle
// opened against it.
type topic struct {
	mu      sync.Mutex
	records []record
	nextID  int64
}

// Bus is a process-local collection of topics, addressed by name.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{topics: make(map[string]*topic)}
}

func (b *Bus) topicFor(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{}
		b.topics[name] = t
	}
	return t
}

func (b *Bus) NewProducer(_ context.Context, topicName string) (kbus.Producer, error) {
	return &producer{t: b.topicFor(topicName)}, nil
}

func (b *Bus) NewReader(_ context.Context, topicName string) (kbus.Reader, error) {
	return &reader{t: b.topicFor(topicName)}, nil
}

// Append is a test helper letting a test script a transcript directly,
// bypassing a producer handle (useful for pre-seeding a partition's log
// before a Loader drain starts).
func (b *Bus) Append(topicName string, key, value []byte, at time.Time) kbus.MsgID {
	t := b.topicFor(topicName)
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := record{id: id(t.nextID), key: key, value: value, at: at}
	t.nextID++
	t.records = append(t.records, rec)
	return rec.id
}

type producer struct {
	t      *topic
	closed bool
}

func (p *producer) Send(_ context.Context, key, value []byte, eventTime time.Time) (kbus.MsgID, error) {
	if p.closed {
		return nil, ErrClosed
	}
	p.t.mu.Lock()
	defer p.t.mu.Unlock()
	rec := record{id: id(p.t.nextID), key: key, value: value, at: eventTime}
	p.t.nextID++
	p.t.records = append(p.t.records, rec)
	return rec.id, nil
}

func (p *producer) Close() error {
	p.closed = true
	return nil
}

type reader struct {
	t      *topic
	pos    int
	closed bool
}

func (r *reader) ReadNext(ctx context.Context) (kbus.Message, error) {
	if r.closed {
		return kbus.Message{}, ErrClosed
	}
	for {
		r.t.mu.Lock()
		if r.pos < len(r.t.records) {
			rec := r.t.records[r.pos]
			r.pos++
			r.t.mu.Unlock()
			return kbus.Message{ID: rec.id, Key: rec.key, Value: rec.value, EventTime: rec.at}, nil
		}
		r.t.mu.Unlock()
		select {
		case <-ctx.Done():
			return kbus.Message{}, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (r *reader) Close() error {
	r.closed = true
	return nil
}
