package moqmgr

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/moqtools/moqmgr/moq"
)

// DataFunc receives the payload of one frame. It is invoked from the
// worker's goroutine; a panic escaping it is recovered and logged, never
// propagated into the worker loop.
type DataFunc func(data []byte)

// Subscription names one desired track and the callback its frames are
// delivered to.
type Subscription struct {
	Track  moq.TrackName
	OnData DataFunc
}

// Consumer keeps one track subscribed and forwards its frames. It survives
// "no such track yet" and "track disappeared" by retrying; a given track may
// go through any number of subscribe/unsubscribe cycles over the worker's
// life.
type Consumer struct {
	id        int
	broadcast moq.BroadcastPath
	sub       Subscription
	priority  moq.TrackPriority

	sess    moq.Session
	logger  *slog.Logger
	metrics *Metrics

	retryInterval time.Duration
	readTimeout   time.Duration

	running    atomic.Bool
	started    atomic.Bool
	subscribed atomic.Bool

	bytesReceived    atomic.Uint64
	messagesReceived atomic.Uint64
	lastData         atomic.Int64 // unix nanos, 0 until first frame

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// ConsumerStats is a point-in-time snapshot of a consumer's counters.
type ConsumerStats struct {
	Track            moq.TrackName
	Subscribed       bool
	BytesReceived    uint64
	MessagesReceived uint64
	LastData         time.Time
}

// newConsumer panics on a nil session: workers are created only by a
// connected session, so a nil handle is a programming error.
func newConsumer(id int, broadcast moq.BroadcastPath, sub Subscription, priority moq.TrackPriority, sess moq.Session, config *Config) *Consumer {
	if sess == nil {
		panic("moqmgr: nil transport session passed to consumer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		id:            id,
		broadcast:     broadcast,
		sub:           sub,
		priority:      priority,
		sess:          sess,
		logger:        config.logger().With("worker", "consumer", "track", sub.Track, "broadcast", broadcast),
		metrics:       config.Metrics,
		retryInterval: config.retryInterval(),
		readTimeout:   config.frameReadTimeout(),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
}

// Start launches the worker loop. Calling Start on a running consumer is a
// no-op.
func (c *Consumer) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.running.Store(true)
	c.metrics.consumerStarted()
	go c.run()
}

// Stop signals the loop and blocks until it has exited. Safe to call twice
// and safe to call on a consumer that was never started.
func (c *Consumer) Stop() {
	c.running.Store(false)
	c.cancel()
	if c.started.Load() {
		<-c.done
	}
}

// IsRunning reports whether the worker loop is active.
func (c *Consumer) IsRunning() bool { return c.running.Load() }

// IsSubscribed reports whether the track subscription is currently live.
func (c *Consumer) IsSubscribed() bool { return c.subscribed.Load() }

// TrackName returns the subscribed track's name.
func (c *Consumer) TrackName() moq.TrackName { return c.sub.Track }

// Stats snapshots the worker counters.
func (c *Consumer) Stats() ConsumerStats {
	stats := ConsumerStats{
		Track:            c.sub.Track,
		Subscribed:       c.subscribed.Load(),
		BytesReceived:    c.bytesReceived.Load(),
		MessagesReceived: c.messagesReceived.Load(),
	}
	if nanos := c.lastData.Load(); nanos != 0 {
		stats.LastData = time.Unix(0, nanos)
	}
	return stats
}

func (c *Consumer) run() {
	defer close(c.done)
	defer c.metrics.consumerStopped()
	defer c.subscribed.Store(false)
	defer c.running.Store(false)

	var (
		broadcast moq.BroadcastConsumer
		track     moq.TrackConsumer
		nextRetry time.Time
	)
	reset := func() {
		if track != nil {
			track.Close()
			track = nil
		}
		if broadcast != nil {
			broadcast.Close()
			broadcast = nil
		}
		c.subscribed.Store(false)
		nextRetry = time.Now().Add(c.retryInterval)
	}
	defer func() {
		if track != nil {
			track.Close()
		}
		if broadcast != nil {
			broadcast.Close()
		}
	}()

	for c.running.Load() {
		if track == nil {
			if wait := time.Until(nextRetry); wait > 0 {
				select {
				case <-c.ctx.Done():
					return
				case <-time.After(wait):
				}
				continue
			}

			bc, tc, err := c.establish()
			if err != nil {
				// Expected while the remote publisher has not announced
				// the broadcast or the track yet.
				c.logger.Debug("subscription not yet available", "error", err)
				nextRetry = time.Now().Add(c.retryInterval)
				continue
			}
			broadcast, track = bc, tc
			c.subscribed.Store(true)
			c.logger.Info("track subscribed")
		}

		group, err := track.NextGroup(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Info("subscription lost", "error", err)
			reset()
			continue
		}

		if err := c.readGroup(group); err != nil {
			group.Close()
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Info("subscription lost", "error", err)
			reset()
			continue
		}
		group.Close()
	}
}

// establish consumes the broadcast by name, then subscribes the track. Both
// must succeed; partial state is rolled back.
func (c *Consumer) establish() (moq.BroadcastConsumer, moq.TrackConsumer, error) {
	broadcast, err := c.sess.Consume(c.broadcast)
	if err != nil {
		return nil, nil, err
	}

	track, err := broadcast.SubscribeTrack(moq.Track{Name: c.sub.Track, Priority: c.priority})
	if err != nil {
		broadcast.Close()
		return nil, nil, err
	}
	return broadcast, track, nil
}

// readGroup drains one group. A nil return means the group ended normally;
// any other error invalidates the subscription. Each read is bounded so the
// stop flag is observed even on a silent group.
func (c *Consumer) readGroup(group moq.GroupConsumer) error {
	for c.running.Load() {
		rctx, cancel := context.WithTimeout(c.ctx, c.readTimeout)
		frame, err := group.ReadFrame(rctx)
		cancel()

		if err != nil {
			if errors.Is(err, moq.ErrGroupClosed) {
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) && c.ctx.Err() == nil {
				continue
			}
			return err
		}
		c.handleData(frame)
	}
	return nil
}

func (c *Consumer) handleData(data []byte) {
	c.bytesReceived.Add(uint64(len(data)))
	c.messagesReceived.Add(1)
	c.lastData.Store(time.Now().UnixNano())
	c.metrics.observeData(string(c.sub.Track), len(data))

	if c.sub.OnData == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("data callback panicked", "panic", r)
		}
	}()
	c.sub.OnData(data)
}
