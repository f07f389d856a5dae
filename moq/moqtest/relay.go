// Package moqtest provides an in-process relay implementing the moq
// interfaces. It backs the manager tests and local examples: broadcasts
// published on one session are consumable from any other session of the
// same relay, announcements are fanned out to origin consumers, and
// connection loss can be induced for reconnect scenarios.
package moqtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/moqtools/moqmgr/moq"
)

// NewRelay creates an empty relay.
func NewRelay() *Relay {
	return &Relay{
		broadcasts: make(map[moq.BroadcastPath]moq.BroadcastConsumer),
	}
}

// Relay is the shared state all sessions of one test network see.
type Relay struct {
	mu         sync.Mutex
	broadcasts map[moq.BroadcastPath]moq.BroadcastConsumer
	origins    []*originConsumer
	sessions   []*session
}

// Client returns a moq.Client whose sessions attach to this relay.
func (r *Relay) Client() moq.Client {
	return &client{relay: r}
}

// Publish registers a broadcast directly with the relay, as a remote
// publisher would, and announces it active.
func (r *Relay) Publish(path moq.BroadcastPath, broadcast moq.BroadcastConsumer) error {
	r.mu.Lock()
	if _, ok := r.broadcasts[path]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: broadcast %q", moq.ErrDuplicate, path)
	}
	r.broadcasts[path] = broadcast
	r.mu.Unlock()

	r.announce(moq.Announcement{Path: path, Active: true})
	return nil
}

// Unpublish removes a broadcast and announces it inactive.
func (r *Relay) Unpublish(path moq.BroadcastPath) {
	r.mu.Lock()
	_, ok := r.broadcasts[path]
	delete(r.broadcasts, path)
	r.mu.Unlock()

	if ok {
		r.announce(moq.Announcement{Path: path, Active: false})
	}
}

// DropSessions severs every open session without touching published
// broadcasts. Sessions report IsAlive()==false afterwards, and blocked
// reads on handles obtained through them fail.
func (r *Relay) DropSessions() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = nil
	r.mu.Unlock()

	for _, s := range sessions {
		s.drop()
	}
}

func (r *Relay) announce(ann moq.Announcement) {
	r.mu.Lock()
	origins := make([]*originConsumer, len(r.origins))
	copy(origins, r.origins)
	r.mu.Unlock()

	for _, o := range origins {
		o.push(ann)
	}
}

func (r *Relay) attach(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, s)
}

func (r *Relay) detach(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, v := range r.sessions {
		if v == s {
			r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
			return
		}
	}
}

type client struct {
	relay  *Relay
	closed atomic.Bool
}

func (c *client) Connect(ctx context.Context, serverURL string, mode moq.Mode) (moq.Session, error) {
	if c.closed.Load() {
		return nil, moq.ErrClosed
	}
	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		relay:  c.relay,
		mode:   mode,
		ctx:    sctx,
		cancel: cancel,
	}
	c.relay.attach(s)
	return s, nil
}

func (c *client) Close() error {
	c.closed.Store(true)
	return nil
}

type session struct {
	relay *Relay
	mode  moq.Mode

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	published []moq.BroadcastPath
}

func (s *session) IsConnected() bool { return s.ctx.Err() == nil }
func (s *session) IsAlive() bool     { return s.ctx.Err() == nil }

func (s *session) Publish(path moq.BroadcastPath, broadcast moq.BroadcastConsumer) error {
	if s.ctx.Err() != nil {
		return moq.ErrClosed
	}
	if err := s.relay.Publish(path, broadcast); err != nil {
		return err
	}
	s.mu.Lock()
	s.published = append(s.published, path)
	s.mu.Unlock()
	return nil
}

func (s *session) Consume(path moq.BroadcastPath) (moq.BroadcastConsumer, error) {
	if s.ctx.Err() != nil {
		return nil, moq.ErrClosed
	}
	s.relay.mu.Lock()
	broadcast, ok := s.relay.broadcasts[path]
	s.relay.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: broadcast %q", moq.ErrNotFound, path)
	}
	return &boundBroadcast{sess: s, inner: broadcast}, nil
}

func (s *session) OriginConsumer() (moq.OriginConsumer, error) {
	if s.ctx.Err() != nil {
		return nil, moq.ErrClosed
	}
	o := &originConsumer{
		sess:    s,
		updated: make(chan struct{}),
	}

	// New origin consumers start with the currently active broadcasts,
	// matching relay announce semantics.
	s.relay.mu.Lock()
	for path := range s.relay.broadcasts {
		o.pending = append(o.pending, moq.Announcement{Path: path, Active: true})
	}
	s.relay.origins = append(s.relay.origins, o)
	s.relay.mu.Unlock()

	return o, nil
}

func (s *session) Close() error {
	s.relay.detach(s)
	s.drop()

	// A clean close withdraws this session's broadcasts.
	s.mu.Lock()
	published := s.published
	s.published = nil
	s.mu.Unlock()
	for _, path := range published {
		s.relay.Unpublish(path)
	}
	return nil
}

func (s *session) drop() {
	s.cancel()
}

// originConsumer queues announcements for one session.
type originConsumer struct {
	sess *session

	mu      sync.Mutex
	pending []moq.Announcement
	closed  bool
	updated chan struct{}
}

func (o *originConsumer) push(ann moq.Announcement) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.pending = append(o.pending, ann)
	close(o.updated)
	o.updated = make(chan struct{})
}

func (o *originConsumer) Announced(ctx context.Context) (moq.Announcement, error) {
	for {
		if ann, ok := o.TryAnnounced(); ok {
			return ann, nil
		}
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return moq.Announcement{}, moq.ErrClosed
		}
		updated := o.updated
		o.mu.Unlock()

		select {
		case <-ctx.Done():
			return moq.Announcement{}, ctx.Err()
		case <-o.sess.ctx.Done():
			return moq.Announcement{}, moq.ErrClosed
		case <-updated:
		}
	}
}

func (o *originConsumer) TryAnnounced() (moq.Announcement, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.pending) == 0 {
		return moq.Announcement{}, false
	}
	ann := o.pending[0]
	o.pending = o.pending[1:]
	return ann, true
}

func (o *originConsumer) Close() error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.updated)
		o.updated = make(chan struct{})
	}
	o.mu.Unlock()

	o.sess.relay.mu.Lock()
	defer o.sess.relay.mu.Unlock()
	for i, v := range o.sess.relay.origins {
		if v == o {
			o.sess.relay.origins = append(o.sess.relay.origins[:i], o.sess.relay.origins[i+1:]...)
			return nil
		}
	}
	return nil
}

// boundBroadcast ties a broadcast consumer to the session it was obtained
// through, so dropping the session fails reads on derived handles.
type boundBroadcast struct {
	sess  *session
	inner moq.BroadcastConsumer
}

func (b *boundBroadcast) SubscribeTrack(track moq.Track) (moq.TrackConsumer, error) {
	if b.sess.ctx.Err() != nil {
		return nil, moq.ErrClosed
	}
	tc, err := b.inner.SubscribeTrack(track)
	if err != nil {
		return nil, err
	}
	return &boundTrack{sess: b.sess, inner: tc}, nil
}

func (b *boundBroadcast) Close() error { return b.inner.Close() }

type boundTrack struct {
	sess  *session
	inner moq.TrackConsumer
}

func (t *boundTrack) NextGroup(ctx context.Context) (moq.GroupConsumer, error) {
	if t.sess.ctx.Err() != nil {
		return nil, moq.ErrClosed
	}
	gctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(t.sess.ctx, cancel)
	defer stop()

	gc, err := t.inner.NextGroup(gctx)
	if err != nil {
		if t.sess.ctx.Err() != nil {
			return nil, moq.ErrClosed
		}
		return nil, err
	}
	return &boundGroup{sess: t.sess, inner: gc}, nil
}

func (t *boundTrack) Close() error { return t.inner.Close() }

type boundGroup struct {
	sess  *session
	inner moq.GroupConsumer
}

func (g *boundGroup) Sequence() moq.GroupSequence { return g.inner.Sequence() }

func (g *boundGroup) ReadFrame(ctx context.Context) ([]byte, error) {
	if g.sess.ctx.Err() != nil {
		return nil, moq.ErrClosed
	}
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(g.sess.ctx, cancel)
	defer stop()

	frame, err := g.inner.ReadFrame(rctx)
	if err != nil {
		if g.sess.ctx.Err() != nil {
			return nil, moq.ErrClosed
		}
		return nil, err
	}
	return frame, nil
}

func (g *boundGroup) Close() error { return g.inner.Close() }
