package kcoord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kcoord/kcoord/pkg/kcoord/kbus"
	"github.com/twmb/franz-go/pkg/kerr"
)

// asCoordinatorNotAvailable wraps a genuine transport-level failure (the bus
// client itself could not be reached) as CoordinatorNotAvailable. A *kerr.Error
// already representing a simulated wire append status is passed through
// untouched, so translateAppendError's table (spec.md §4.7) is the only place
// that decides its coordinator-facing meaning.
func asCoordinatorNotAvailable(err error) error {
	if err == nil {
		return nil
	}
	var kerrErr *kerr.Error
	if errors.As(err, &kerrErr) {
		return err
	}
	return fmt.Errorf("%w: %v", kerr.CoordinatorNotAvailable, err)
}

// gateway maintains lazy per-partition producer and reader handles against
// the underlying bus (spec.md §4.2, C2). Handles are created on first use
// and closed only by the Unloader.
type gateway struct {
	bus       kbus.Bus
	topicOf   func(partition int) string
	mu        sync.Mutex
	producers map[int]kbus.Producer
	readers   map[int]kbus.Reader
}

func newGateway(bus kbus.Bus, topicOf func(int) string) *gateway {
	return &gateway{
		bus:       bus,
		topicOf:   topicOf,
		producers: make(map[int]kbus.Producer),
		readers:   make(map[int]kbus.Reader),
	}
}

func (g *gateway) producerFor(ctx context.Context, p int) (kbus.Producer, error) {
	g.mu.Lock()
	if pr, ok := g.producers[p]; ok {
		g.mu.Unlock()
		return pr, nil
	}
	g.mu.Unlock()

	pr, err := g.bus.NewProducer(ctx, g.topicOf(p))
	if err != nil {
		return nil, asCoordinatorNotAvailable(err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.producers[p]; ok {
		// Lost a race to create the handle; keep the existing one and
		// discard ours.
		pr.Close()
		return existing, nil
	}
	g.producers[p] = pr
	return pr, nil
}

func (g *gateway) readerFor(ctx context.Context, p int) (kbus.Reader, error) {
	g.mu.Lock()
	if r, ok := g.readers[p]; ok {
		g.mu.Unlock()
		return r, nil
	}
	g.mu.Unlock()

	r, err := g.bus.NewReader(ctx, g.topicOf(p))
	if err != nil {
		return nil, asCoordinatorNotAvailable(err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.readers[p]; ok {
		r.Close()
		return existing, nil
	}
	g.readers[p] = r
	return r, nil
}

// append appends a record to partition p and returns its assigned MsgID.
// A genuine transport failure is surfaced as CoordinatorNotAvailable,
// matching spec.md §4.2; a bus-reported wire append status (simulated as a
// *kerr.Error by a real bus implementation) passes through for
// translateAppendError to interpret per the table in spec.md §4.7.
func (g *gateway) append(ctx context.Context, p int, key, value []byte, eventTime time.Time) (kbus.MsgID, error) {
	pr, err := g.producerFor(ctx, p)
	if err != nil {
		return nil, err
	}
	id, err := pr.Send(ctx, key, value, eventTime)
	if err != nil {
		return nil, asCoordinatorNotAvailable(err)
	}
	return id, nil
}

// readNext drives the Loader: it reads the next record off partition p's
// reader handle.
func (g *gateway) readNext(ctx context.Context, p int) (kbus.Message, error) {
	r, err := g.readerFor(ctx, p)
	if err != nil {
		return kbus.Message{}, err
	}
	return r.ReadNext(ctx)
}

// placeholder appends a keyless, empty-value record to partition p and
// returns its MsgID, the drain-to marker a subsequent Loader run will stop
// at (spec.md §4.2, §4.6 step 3).
func (g *gateway) placeholder(ctx context.Context, p int) (kbus.MsgID, error) {
	return g.append(ctx, p, nil, nil, time.Now())
}

// close pops and closes the producer/reader handles for p, if any. Close
// errors are returned for the caller to log; they never block unloading.
func (g *gateway) close(p int) (producerErr, readerErr error) {
	g.mu.Lock()
	pr, hasProducer := g.producers[p]
	delete(g.producers, p)
	r, hasReader := g.readers[p]
	delete(g.readers, p)
	g.mu.Unlock()

	if hasProducer {
		producerErr = pr.Close()
	}
	if hasReader {
		readerErr = r.Close()
	}
	return producerErr, readerErr
}
