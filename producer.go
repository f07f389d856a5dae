package moqmgr

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moqtools/moqmgr/moq"
)

// BroadcastTrack names one track a producer session publishes.
type BroadcastTrack struct {
	Track    moq.TrackName
	Priority moq.TrackPriority
}

// Producer establishes a broadcast+track producer pair and publishes it into
// the transport session, then idles until shutdown. Frame emission is done
// by whoever holds the TrackProducer handle; the worker only keeps the
// publication alive.
type Producer struct {
	id        int
	broadcast moq.BroadcastPath
	config    BroadcastTrack

	sess    moq.Session
	logger  *slog.Logger
	metrics *Metrics

	retryInterval time.Duration

	running   atomic.Bool
	started   atomic.Bool
	published atomic.Bool

	mu            sync.Mutex
	trackProducer *moq.TrackProducer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// ProducerStats is a point-in-time snapshot of a producer's state.
type ProducerStats struct {
	Track     moq.TrackName
	Published bool
}

// newProducer panics on a nil session, like newConsumer.
func newProducer(id int, broadcast moq.BroadcastPath, config BroadcastTrack, sess moq.Session, cfg *Config) *Producer {
	if sess == nil {
		panic("moqmgr: nil transport session passed to producer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Producer{
		id:            id,
		broadcast:     broadcast,
		config:        config,
		sess:          sess,
		logger:        cfg.logger().With("worker", "producer", "track", config.Track, "broadcast", broadcast),
		metrics:       cfg.Metrics,
		retryInterval: cfg.retryInterval(),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
}

// Start launches the worker loop. Calling Start on a running producer is a
// no-op.
func (p *Producer) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.running.Store(true)
	p.metrics.producerStarted()
	go p.run()
}

// Stop signals the loop and blocks until it has exited.
func (p *Producer) Stop() {
	p.running.Store(false)
	p.cancel()
	if p.started.Load() {
		<-p.done
	}
}

// IsRunning reports whether the worker loop is active.
func (p *Producer) IsRunning() bool { return p.running.Load() }

// IsPublished reports whether the broadcast is currently published.
func (p *Producer) IsPublished() bool { return p.published.Load() }

// TrackName returns the published track's name.
func (p *Producer) TrackName() moq.TrackName { return p.config.Track }

// TrackProducer returns the live track producer once the publication is
// established, nil before that. Callers emit groups and frames through it.
func (p *Producer) TrackProducer() *moq.TrackProducer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trackProducer
}

// Stats snapshots the worker state.
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{Track: p.config.Track, Published: p.published.Load()}
}

func (p *Producer) run() {
	defer close(p.done)
	defer p.metrics.producerStopped()
	defer p.running.Store(false)

	var (
		bp        *moq.BroadcastProducer
		nextRetry time.Time
	)
	defer func() {
		p.published.Store(false)
		p.mu.Lock()
		p.trackProducer = nil
		p.mu.Unlock()
		if bp != nil {
			bp.Close()
		}
	}()

	for p.running.Load() {
		if bp == nil {
			if wait := time.Until(nextRetry); wait > 0 {
				select {
				case <-p.ctx.Done():
					return
				case <-time.After(wait):
				}
				continue
			}

			established, err := p.establish()
			if err != nil {
				p.logger.Debug("publication not yet possible", "error", err)
				nextRetry = time.Now().Add(p.retryInterval)
				continue
			}
			bp = established
			p.published.Store(true)
			p.logger.Info("broadcast published")
		}

		// Established: nothing to poll, just wait for shutdown.
		<-p.ctx.Done()
		return
	}
}

// establish creates the broadcast producer, its track, the consumable view,
// and publishes it, all-or-nothing. Partial state is discarded on failure.
func (p *Producer) establish() (*moq.BroadcastProducer, error) {
	bp := moq.NewBroadcastProducer()

	tp, err := bp.CreateTrack(moq.Track{Name: p.config.Track, Priority: p.config.Priority})
	if err != nil {
		bp.Close()
		return nil, err
	}

	if err := p.sess.Publish(p.broadcast, bp.Consumable()); err != nil {
		bp.Close()
		return nil, err
	}

	p.mu.Lock()
	p.trackProducer = tp
	p.mu.Unlock()
	return bp, nil
}
