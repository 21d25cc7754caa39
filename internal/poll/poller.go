// Package poll implements the client synchronization loop: a fixed-interval
// refresh of the active circle's cached state, replaced wholesale on every
// tick. Level-triggered; a missed update is recovered by the next full read.
package poll

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultInterval = 5 * time.Second

var errMissingFetcher = errors.New("poll: fetcher is required")

// Fetcher retrieves the full view state for one circle.
type Fetcher interface {
	FetchSnapshot(ctx context.Context, circleID int64) (Snapshot, error)
}

// PollerConfig carries the poller dependencies.
type PollerConfig struct {
	Fetcher  Fetcher
	Interval time.Duration
	Logger   *zap.Logger
}

// Poller drives the periodic refresh for the currently active circle and
// fans completed snapshots out to subscribers. Switching circles cancels
// the previous loop before the next one starts; fetch failures are logged
// and retried on the next tick with no backoff.
type Poller struct {
	fetcher  Fetcher
	interval time.Duration
	logger   *zap.Logger

	mu           sync.Mutex
	cancel       context.CancelFunc
	activeCircle int64
	current      Snapshot
	hasCurrent   bool
	subscribers  map[int64]chan Snapshot
	nextID       int64
}

// NewPoller validates the configuration and constructs an idle poller.
func NewPoller(cfg PollerConfig) (*Poller, error) {
	if cfg.Fetcher == nil {
		return nil, errMissingFetcher
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		fetcher:     cfg.Fetcher,
		interval:    interval,
		logger:      logger,
		subscribers: make(map[int64]chan Snapshot),
	}, nil
}

// SetCircle switches the active circle. The previous loop is stopped before
// the new one starts; the new loop fetches immediately, then on every tick.
func (p *Poller) SetCircle(ctx context.Context, circleID int64) {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.activeCircle = circleID
	p.hasCurrent = false
	if circleID <= 0 {
		p.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	go p.run(loopCtx, circleID)
}

// Stop cancels the active loop, if any.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.activeCircle = 0
	p.mu.Unlock()
}

// Current returns the most recent snapshot for the active circle.
func (p *Poller) Current() (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, p.hasCurrent
}

// Subscribe registers a snapshot stream. The stream is buffered; slow
// consumers miss intermediate snapshots rather than blocking the loop.
func (p *Poller) Subscribe(ctx context.Context) (<-chan Snapshot, func()) {
	stream := make(chan Snapshot, 4)

	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.subscribers[id] = stream
	p.mu.Unlock()

	cleanup := func() {
		p.mu.Lock()
		delete(p.subscribers, id)
		p.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

func (p *Poller) run(ctx context.Context, circleID int64) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.refresh(ctx, circleID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refresh(ctx, circleID)
		}
	}
}

func (p *Poller) refresh(ctx context.Context, circleID int64) {
	snapshot, err := p.fetcher.FetchSnapshot(ctx, circleID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		p.logger.Warn("snapshot refresh failed",
			zap.Int64("circle_id", circleID), zap.Error(err))
		return
	}

	p.mu.Lock()
	if p.activeCircle != circleID {
		// A stale loop finishing after a circle switch must not publish.
		p.mu.Unlock()
		return
	}
	p.current = snapshot
	p.hasCurrent = true
	streams := make([]chan Snapshot, 0, len(p.subscribers))
	for _, stream := range p.subscribers {
		streams = append(streams, stream)
	}
	p.mu.Unlock()

	for _, stream := range streams {
		select {
		case stream <- snapshot:
		default:
		}
	}
}
