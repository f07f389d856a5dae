package moqmgr

import (
	"sync"

	"github.com/moqtools/moqmgr/moq"
)

// ProducerSession publishes a broadcast: one Producer per statically
// configured track, all under the session's namespace.
type ProducerSession struct {
	*Session

	tracks []BroadcastTrack

	pmu       sync.Mutex
	producers []*Producer
}

// NewProducerSession builds a session that, once started, publishes the
// given tracks under the configured namespace.
func NewProducerSession(config Config, factory ClientFactory, tracks []BroadcastTrack) *ProducerSession {
	ps := &ProducerSession{
		Session: newSession(config, factory, moq.ModePublishOnly),
		tracks:  tracks,
	}
	ps.Session.workers = ps
	return ps
}

// Track returns the live track producer for the named track once its worker
// has established the publication, nil before that or for unknown names.
func (ps *ProducerSession) Track(name moq.TrackName) *moq.TrackProducer {
	ps.pmu.Lock()
	defer ps.pmu.Unlock()
	for _, p := range ps.producers {
		if p.TrackName() == name {
			return p.TrackProducer()
		}
	}
	return nil
}

// Stats snapshots every producer worker's state.
func (ps *ProducerSession) Stats() []ProducerStats {
	ps.pmu.Lock()
	defer ps.pmu.Unlock()
	stats := make([]ProducerStats, 0, len(ps.producers))
	for _, p := range ps.producers {
		stats = append(stats, p.Stats())
	}
	return stats
}

func (ps *ProducerSession) startWorkers(sess moq.Session) {
	ps.pmu.Lock()
	producers := make([]*Producer, 0, len(ps.tracks))
	for i, track := range ps.tracks {
		producers = append(producers, newProducer(i, ps.config.Namespace, track, sess, &ps.config))
	}
	ps.producers = producers
	ps.pmu.Unlock()

	for _, p := range producers {
		p.Start()
	}
}

func (ps *ProducerSession) stopWorkers() {
	ps.pmu.Lock()
	producers := ps.producers
	ps.producers = nil
	ps.pmu.Unlock()

	for _, p := range producers {
		p.Stop()
	}
}

func (ps *ProducerSession) cleanup() {}
