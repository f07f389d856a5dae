package moq

import (
	"context"
	"fmt"
	"sync"
)

// NewBroadcastProducer creates an empty broadcast buffer. Tracks are added
// with CreateTrack; the broadcast is made visible to subscribers by passing
// Consumable to Session.Publish.
func NewBroadcastProducer() *BroadcastProducer {
	return &BroadcastProducer{
		tracks: make(map[TrackName]*TrackProducer),
	}
}

// BroadcastProducer is the publishing side of one broadcast. All groups and
// frames written through it are buffered in memory and fanned out to every
// attached consumer.
type BroadcastProducer struct {
	mu     sync.Mutex
	tracks map[TrackName]*TrackProducer
	closed bool
}

// CreateTrack adds a track to the broadcast. Adding the same name twice
// returns ErrDuplicate.
func (b *BroadcastProducer) CreateTrack(track Track) (*TrackProducer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if _, ok := b.tracks[track.Name]; ok {
		return nil, fmt.Errorf("%w: track %q", ErrDuplicate, track.Name)
	}

	tp := &TrackProducer{track: track}
	b.tracks[track.Name] = tp
	return tp, nil
}

// Consumable returns the subscribing view of this broadcast. The view stays
// valid for the lifetime of the producer; multiple views may coexist.
func (b *BroadcastProducer) Consumable() BroadcastConsumer {
	return (*broadcastView)(b)
}

// Close ends every track of the broadcast. Consumers waiting on groups or
// frames are released with ErrClosed.
func (b *BroadcastProducer) Close() {
	b.mu.Lock()
	tracks := make([]*TrackProducer, 0, len(b.tracks))
	for _, tp := range b.tracks {
		tracks = append(tracks, tp)
	}
	b.closed = true
	b.mu.Unlock()

	for _, tp := range tracks {
		tp.Close()
	}
}

// broadcastView adapts a BroadcastProducer to the BroadcastConsumer interface.
type broadcastView BroadcastProducer

func (v *broadcastView) SubscribeTrack(track Track) (TrackConsumer, error) {
	b := (*BroadcastProducer)(v)

	b.mu.Lock()
	tp, ok := b.tracks[track.Name]
	closed := b.closed
	b.mu.Unlock()

	if closed {
		return nil, ErrClosed
	}
	if !ok {
		return nil, fmt.Errorf("%w: track %q", ErrNotFound, track.Name)
	}
	return tp.subscribe(), nil
}

func (v *broadcastView) Close() error { return nil }

// TrackProducer is the publishing side of one track. Groups are created in
// sequence order by the caller and fanned out to all subscribers.
type TrackProducer struct {
	track Track

	mu     sync.Mutex
	subs   []*trackQueue
	closed bool
}

func (t *TrackProducer) Track() Track { return t.track }

// CreateGroup opens a new group with the given sequence number and delivers
// it to every current subscriber.
func (t *TrackProducer) CreateGroup(seq GroupSequence) (*GroupProducer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}

	g := newGroupBuffer(seq)
	for _, q := range t.subs {
		q.push(g)
	}
	return &GroupProducer{buf: g}, nil
}

// Close ends the track. Subscribers see ErrClosed from NextGroup after
// draining already delivered groups.
func (t *TrackProducer) Close() {
	t.mu.Lock()
	subs := t.subs
	t.subs = nil
	t.closed = true
	t.mu.Unlock()

	for _, q := range subs {
		q.close()
	}
}

func (t *TrackProducer) subscribe() *trackQueue {
	q := &trackQueue{
		updated:  make(chan struct{}),
		onDetach: func(q *trackQueue) { t.detach(q) },
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		q.close()
		return q
	}
	t.subs = append(t.subs, q)
	t.mu.Unlock()
	return q
}

func (t *TrackProducer) detach(q *trackQueue) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.subs {
		if s == q {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			return
		}
	}
}

// GroupProducer writes the frames of one group.
type GroupProducer struct {
	buf *groupBuffer
}

func (g *GroupProducer) Sequence() GroupSequence { return g.buf.seq }

// WriteFrame appends one frame to the group. The payload is copied.
func (g *GroupProducer) WriteFrame(data []byte) error {
	return g.buf.append(data)
}

// Finish marks the group complete. Consumers reading past the last frame
// get ErrGroupClosed.
func (g *GroupProducer) Finish() {
	g.buf.finish()
}

// trackQueue is one subscriber's ordered queue of groups.
type trackQueue struct {
	mu       sync.Mutex
	queue    []*groupBuffer
	updated  chan struct{}
	closed   bool
	onDetach func(*trackQueue)
}

func (q *trackQueue) push(g *groupBuffer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.queue = append(q.queue, g)
	close(q.updated)
	q.updated = make(chan struct{})
}

func (q *trackQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.updated)
	q.updated = make(chan struct{})
}

func (q *trackQueue) NextGroup(ctx context.Context) (GroupConsumer, error) {
	for {
		q.mu.Lock()
		if len(q.queue) > 0 {
			g := q.queue[0]
			q.queue = q.queue[1:]
			q.mu.Unlock()
			return g.reader(), nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		updated := q.updated
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-updated:
		}
	}
}

func (q *trackQueue) Close() error {
	if q.onDetach != nil {
		q.onDetach(q)
	}
	q.close()
	return nil
}

// groupBuffer holds the frames of one group. Readers keep their own cursor.
type groupBuffer struct {
	seq GroupSequence

	mu      sync.Mutex
	frames  [][]byte
	done    bool
	updated chan struct{}
}

func newGroupBuffer(seq GroupSequence) *groupBuffer {
	return &groupBuffer{
		seq:     seq,
		updated: make(chan struct{}),
	}
}

func (g *groupBuffer) append(data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done {
		return ErrGroupClosed
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	g.frames = append(g.frames, frame)
	close(g.updated)
	g.updated = make(chan struct{})
	return nil
}

func (g *groupBuffer) finish() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done {
		return
	}
	g.done = true
	close(g.updated)
	g.updated = make(chan struct{})
}

func (g *groupBuffer) reader() *groupReader {
	return &groupReader{buf: g}
}

// groupReader is one consumer's cursor into a groupBuffer.
type groupReader struct {
	buf  *groupBuffer
	next int
}

func (r *groupReader) Sequence() GroupSequence { return r.buf.seq }

func (r *groupReader) ReadFrame(ctx context.Context) ([]byte, error) {
	for {
		g := r.buf
		g.mu.Lock()
		if r.next < len(g.frames) {
			frame := g.frames[r.next]
			r.next++
			g.mu.Unlock()
			return frame, nil
		}
		if g.done {
			g.mu.Unlock()
			return nil, ErrGroupClosed
		}
		updated := g.updated
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-updated:
		}
	}
}

func (r *groupReader) Close() error { return nil }
