package moqmgr

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/moqtools/moqmgr/catalog"
	"github.com/moqtools/moqmgr/moq"
)

// announcePollInterval paces the announcement poll when nothing is pending.
const announcePollInterval = time.Millisecond

// AvailableTrack is one track advertised by the most recent catalog
// document. The set is fully replaced on every catalog update, never
// merged.
type AvailableTrack struct {
	Name     moq.TrackName
	Type     string
	Priority int
}

// ConsumerSession subscribes to a broadcast: it watches origin
// announcements for the configured namespace, consumes the catalog track
// once the broadcast is active, and keeps exactly one Consumer running for
// every requested track the catalog currently lists.
type ConsumerSession struct {
	*Session

	requested map[moq.TrackName]Subscription

	// subMu is the reconciliation lock: available, consumers, catalogC,
	// sess and the announcement loop handle are only touched under it.
	subMu     sync.Mutex
	available map[moq.TrackName]AvailableTrack
	consumers map[moq.TrackName]*Consumer
	catalogC  *Consumer
	sess      moq.Session

	annCancel context.CancelFunc
	annDone   chan struct{}

	nextID int
}

// NewConsumerSession builds a session that, once started, maintains the
// given subscriptions against whatever the catalog advertises. Track name
// is the key; a later entry for the same track replaces the earlier one.
func NewConsumerSession(config Config, factory ClientFactory, subscriptions []Subscription) *ConsumerSession {
	cs := &ConsumerSession{
		Session:   newSession(config, factory, moq.ModeSubscribeOnly),
		requested: make(map[moq.TrackName]Subscription, len(subscriptions)),
		available: make(map[moq.TrackName]AvailableTrack),
		consumers: make(map[moq.TrackName]*Consumer),
	}
	for _, sub := range subscriptions {
		cs.requested[sub.Track] = sub
	}
	cs.Session.workers = cs
	return cs
}

// Subscriptions returns the requested track names.
func (cs *ConsumerSession) Subscriptions() []moq.TrackName {
	names := make([]moq.TrackName, 0, len(cs.requested))
	for name := range cs.requested {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// ActiveTracks returns the tracks currently backed by a running consumer.
func (cs *ConsumerSession) ActiveTracks() []moq.TrackName {
	cs.subMu.Lock()
	defer cs.subMu.Unlock()
	names := make([]moq.TrackName, 0, len(cs.consumers))
	for name := range cs.consumers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// AvailableTracks returns the tracks listed by the most recent catalog.
func (cs *ConsumerSession) AvailableTracks() []AvailableTrack {
	cs.subMu.Lock()
	defer cs.subMu.Unlock()
	tracks := make([]AvailableTrack, 0, len(cs.available))
	for _, t := range cs.available {
		tracks = append(tracks, t)
	}
	sort.Slice(tracks, func(i, j int) bool { return tracks[i].Name < tracks[j].Name })
	return tracks
}

// CatalogActive reports whether the catalog consumer is currently running,
// which tracks the most recent announcement for the namespace.
func (cs *ConsumerSession) CatalogActive() bool {
	cs.subMu.Lock()
	defer cs.subMu.Unlock()
	return cs.catalogC != nil
}

// Stats snapshots every running consumer's counters.
func (cs *ConsumerSession) Stats() []ConsumerStats {
	cs.subMu.Lock()
	defer cs.subMu.Unlock()
	stats := make([]ConsumerStats, 0, len(cs.consumers))
	for _, c := range cs.consumers {
		stats = append(stats, c.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Track < stats[j].Track })
	return stats
}

// startWorkers launches the announcement loop against the new transport
// session. Consumers follow once announcements and a catalog arrive.
func (cs *ConsumerSession) startWorkers(sess moq.Session) {
	cs.subMu.Lock()
	cs.sess = sess
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	cs.annCancel = cancel
	cs.annDone = done
	cs.subMu.Unlock()

	go cs.announcementLoop(ctx, sess, done)
}

// stopWorkers stops the announcement loop, the catalog consumer and every
// track consumer, blocking until each loop has exited. The available set is
// discarded: a fresh connection gets a fresh catalog.
func (cs *ConsumerSession) stopWorkers() {
	cs.subMu.Lock()
	cancel, done := cs.annCancel, cs.annDone
	cs.annCancel, cs.annDone = nil, nil
	cs.subMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	cs.stopCatalogConsumer()

	cs.subMu.Lock()
	consumers := cs.consumers
	cs.consumers = make(map[moq.TrackName]*Consumer)
	cs.available = make(map[moq.TrackName]AvailableTrack)
	cs.sess = nil
	cs.subMu.Unlock()

	for _, c := range consumers {
		c.Stop()
	}
}

func (cs *ConsumerSession) cleanup() {}

// announcementLoop polls for announcements and toggles the catalog consumer
// for the configured namespace. Announcements for other paths are ignored.
func (cs *ConsumerSession) announcementLoop(ctx context.Context, sess moq.Session, done chan<- struct{}) {
	defer close(done)

	origin, err := sess.OriginConsumer()
	if err != nil {
		cs.notifyError("failed to get origin consumer for announcements: " + err.Error())
		return
	}
	defer origin.Close()

	for ctx.Err() == nil {
		ann, ok := origin.TryAnnounced()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(announcePollInterval):
			}
			continue
		}

		cs.logger.Debug("announcement received", "path", ann.Path, "active", ann.Active)
		if ann.Path != cs.config.Namespace {
			continue
		}

		if ann.Active {
			cs.notifyStatus("broadcast announced: " + ann.Path.String())
			cs.startCatalogConsumer(sess)
		} else {
			cs.notifyStatus("broadcast ended: " + ann.Path.String())
			cs.stopCatalogConsumer()
		}
	}
}

// startCatalogConsumer runs a dedicated Consumer on the well-known catalog
// track. Already running means the announcement was a repeat.
func (cs *ConsumerSession) startCatalogConsumer(sess moq.Session) {
	cs.subMu.Lock()
	if cs.catalogC != nil {
		cs.subMu.Unlock()
		return
	}
	sub := Subscription{Track: cs.config.catalogTrack(), OnData: cs.handleCatalogData}
	c := newConsumer(cs.workerID(), cs.config.Namespace, sub, 0, sess, &cs.config)
	cs.catalogC = c
	cs.subMu.Unlock()

	c.Start()
	cs.notifyStatus("catalog consumer started")
}

func (cs *ConsumerSession) stopCatalogConsumer() {
	cs.subMu.Lock()
	c := cs.catalogC
	cs.catalogC = nil
	cs.subMu.Unlock()
	if c == nil {
		return
	}

	// Stop outside the reconciliation lock: the worker's callback may be
	// blocked on it.
	c.Stop()
	cs.notifyStatus("catalog consumer stopped")
}

// handleCatalogData parses a catalog payload and reconciles subscriptions.
// A malformed document is dropped; the previous available set stands.
func (cs *ConsumerSession) handleCatalogData(data []byte) {
	tracks, err := catalog.Parse(data)
	if err != nil {
		cs.config.Metrics.catalogDropped()
		cs.notifyError("failed to parse catalog: " + err.Error())
		return
	}
	cs.config.Metrics.catalogParsed()

	cs.subMu.Lock()
	cs.available = make(map[moq.TrackName]AvailableTrack, len(tracks))
	for _, t := range tracks {
		name := moq.TrackName(t.Name)
		cs.available[name] = AvailableTrack{Name: name, Type: t.Type, Priority: t.Priority}
	}
	removed := cs.checkSubscriptions()
	cs.subMu.Unlock()

	// Stop outside the reconciliation lock: a data callback may be calling
	// back into accessors that take it.
	for _, c := range removed {
		c.Stop()
	}

	cs.notifyStatus(fmt.Sprintf("catalog updated: %d tracks available", len(tracks)))
}

// checkSubscriptions makes the live consumer set equal the intersection of
// requested and available. The caller holds the reconciliation lock and must
// stop the returned consumers after releasing it.
func (cs *ConsumerSession) checkSubscriptions() []*Consumer {
	sess := cs.sess
	if sess == nil {
		return nil
	}

	var removed []*Consumer
	for name, c := range cs.consumers {
		if _, ok := cs.available[name]; ok {
			continue
		}
		cs.logger.Info("unsubscribing track no longer available", "track", name)
		removed = append(removed, c)
		delete(cs.consumers, name)
	}

	for name, sub := range cs.requested {
		track, ok := cs.available[name]
		if !ok {
			continue
		}
		if _, exists := cs.consumers[name]; exists {
			continue
		}
		cs.logger.Info("subscribing newly available track", "track", name)
		c := newConsumer(cs.workerID(), cs.config.Namespace, sub, clampPriority(track.Priority), sess, &cs.config)
		c.Start()
		cs.consumers[name] = c
	}
	return removed
}

// workerID hands out consumer identities. The caller holds the
// reconciliation lock (or is the only goroutine alive, at construction).
func (cs *ConsumerSession) workerID() int {
	id := cs.nextID
	cs.nextID++
	return id
}

func clampPriority(p int) moq.TrackPriority {
	if p < 0 {
		return 0
	}
	if p > 255 {
		return 255
	}
	return moq.TrackPriority(p)
}
