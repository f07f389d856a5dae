// Package client implements the moq interfaces against a relay reached over
// WebTransport (https URLs) or native QUIC (moq URLs). It carries control
// messages on one bidirectional stream and group data on unidirectional
// streams; payload buffering reuses the moq broadcast buffer, so the
// session manager sees identical semantics from this client and from the
// in-process moqtest relay.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"github.com/moqtools/moqmgr/moq"
)

const alpn = "moq-mgr"

const defaultRPCTimeout = 5 * time.Second

// Config carries the optional knobs of a Client. The zero value works.
type Config struct {
	// TLSConfig is used for native QUIC dials. The ALPN is forced.
	TLSConfig *tls.Config

	// QUICConfig is passed to quic-go for native QUIC dials.
	QUICConfig *quicgo.Config

	// RPCTimeout bounds each control round trip. Defaults to 5 seconds.
	RPCTimeout time.Duration

	// Logger receives structured logs; nil discards them.
	Logger *slog.Logger
}

func (c *Config) rpcTimeout() time.Duration {
	if c != nil && c.RPCTimeout > 0 {
		return c.RPCTimeout
	}
	return defaultRPCTimeout
}

func (c *Config) logger() *slog.Logger {
	if c != nil && c.Logger != nil {
		return c.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// New creates a relay client.
func New(config *Config) *Client {
	return &Client{config: config}
}

// Client dials relay sessions. It implements moq.Client.
type Client struct {
	config *Config

	mu       sync.Mutex
	sessions []*session
	closed   bool
}

// Connect dials the relay and performs the setup handshake.
func (c *Client) Connect(ctx context.Context, serverURL string, mode moq.Mode) (moq.Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, moq.ErrClosed
	}
	c.mu.Unlock()

	parsed, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", serverURL, err)
	}

	var conn connection
	switch parsed.Scheme {
	case "https":
		conn, err = dialWebTransport(ctx, serverURL)
	case "moq", "moqt":
		conn, err = dialQUIC(ctx, parsed.Host, c.tlsConfig(), c.config.quicConfig())
	default:
		return nil, fmt.Errorf("unsupported URL scheme %q", parsed.Scheme)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", serverURL, err)
	}

	sess, err := newClientSession(ctx, conn, mode, c.config)
	if err != nil {
		conn.Close()
		return nil, err
	}

	c.mu.Lock()
	c.sessions = append(c.sessions, sess)
	c.mu.Unlock()
	return sess, nil
}

// Close closes every session created by this client.
func (c *Client) Close() error {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = nil
	c.closed = true
	c.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	return nil
}

func (c *Client) tlsConfig() *tls.Config {
	var tlsConfig *tls.Config
	if c.config != nil && c.config.TLSConfig != nil {
		tlsConfig = c.config.TLSConfig.Clone()
	} else {
		tlsConfig = &tls.Config{}
	}
	tlsConfig.NextProtos = []string{alpn}
	return tlsConfig
}

func (c *Config) quicConfig() *quicgo.Config {
	if c != nil {
		return c.QUICConfig
	}
	return nil
}

func newClientSession(ctx context.Context, conn connection, mode moq.Mode, config *Config) (*session, error) {
	ctrl, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open control stream: %w", err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		conn:       conn,
		ctrl:       ctrl,
		enc:        json.NewEncoder(ctrl),
		dec:        json.NewDecoder(ctrl),
		mode:       mode,
		logger:     config.logger().With("component", "moq_client"),
		rpcTimeout: config.rpcTimeout(),
		ctx:        sctx,
		cancel:     cancel,
		pending:    make(map[uint64]chan controlMessage),
		subs:       make(map[uint64]*subscription),
		published:  make(map[moq.BroadcastPath]moq.BroadcastConsumer),
		pumps:      make(map[uint64]context.CancelFunc),
	}

	if err := s.handshake(ctx); err != nil {
		cancel()
		return nil, err
	}

	go s.readControl()
	go s.readData()
	return s, nil
}

type session struct {
	conn connection
	ctrl stream
	enc  *json.Encoder
	dec  *json.Decoder
	mode moq.Mode

	logger     *slog.Logger
	rpcTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu        sync.Mutex
	nextID    uint64
	pending   map[uint64]chan controlMessage
	subs      map[uint64]*subscription
	published map[moq.BroadcastPath]moq.BroadcastConsumer
	pumps     map[uint64]context.CancelFunc
	origins   []*originQueue
}

// subscription buffers one remote track locally. Incoming group streams
// write into the track producer; the manager reads from the consumable
// side.
type subscription struct {
	id    uint64
	buf   *moq.BroadcastProducer
	track *moq.TrackProducer
}

func (s *session) handshake(ctx context.Context) error {
	if err := s.send(controlMessage{Type: msgSetup, Mode: s.mode.String()}); err != nil {
		return fmt.Errorf("send setup: %w", err)
	}

	type result struct {
		msg controlMessage
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var msg controlMessage
		err := s.dec.Decode(&msg)
		ch <- result{msg, err}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("setup response: %w", r.err)
		}
		if r.msg.Type != msgSetupOK {
			return fmt.Errorf("setup rejected: %s", r.msg.Reason)
		}
		return nil
	}
}

func (s *session) IsConnected() bool { return s.ctx.Err() == nil }

func (s *session) IsAlive() bool {
	return s.ctx.Err() == nil && s.conn.Context().Err() == nil
}

func (s *session) Publish(path moq.BroadcastPath, broadcast moq.BroadcastConsumer) error {
	s.mu.Lock()
	if _, ok := s.published[path]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: broadcast %q", moq.ErrDuplicate, path)
	}
	s.published[path] = broadcast
	s.mu.Unlock()

	if err := s.send(controlMessage{Type: msgPublish, Path: path.String()}); err != nil {
		s.mu.Lock()
		delete(s.published, path)
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *session) Consume(path moq.BroadcastPath) (moq.BroadcastConsumer, error) {
	rsp, err := s.rpc(controlMessage{Type: msgConsume, Path: path.String()})
	if err != nil {
		return nil, err
	}
	if rsp.Type != msgConsumeOK {
		return nil, fmt.Errorf("%w: broadcast %q: %s", moq.ErrNotFound, path, rsp.Reason)
	}
	return &broadcastHandle{sess: s, path: path}, nil
}

func (s *session) OriginConsumer() (moq.OriginConsumer, error) {
	if s.ctx.Err() != nil {
		return nil, moq.ErrClosed
	}
	o := newOriginQueue(s)
	s.mu.Lock()
	s.origins = append(s.origins, o)
	s.mu.Unlock()
	return o, nil
}

func (s *session) Close() error {
	s.cancel()
	s.teardown()
	return s.conn.Close()
}

// teardown releases everything a blocked caller could be waiting on.
func (s *session) teardown() {
	s.mu.Lock()
	subs := s.subs
	s.subs = map[uint64]*subscription{}
	pumps := s.pumps
	s.pumps = map[uint64]context.CancelFunc{}
	origins := s.origins
	s.origins = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.buf.Close()
	}
	for _, cancel := range pumps {
		cancel()
	}
	for _, o := range origins {
		o.close()
	}
}

func (s *session) send(msg controlMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.ctx.Err() != nil {
		return moq.ErrClosed
	}
	return s.enc.Encode(msg)
}

// rpc sends a request carrying a fresh id and waits for its response.
func (s *session) rpc(msg controlMessage) (controlMessage, error) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	ch := make(chan controlMessage, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	drop := func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}

	msg.ID = id
	if err := s.send(msg); err != nil {
		drop()
		return controlMessage{}, err
	}

	select {
	case rsp := <-ch:
		return rsp, nil
	case <-s.ctx.Done():
		drop()
		return controlMessage{}, moq.ErrClosed
	case <-time.After(s.rpcTimeout):
		drop()
		return controlMessage{}, fmt.Errorf("timed out waiting for %s response", msg.Type)
	}
}

// readControl dispatches inbound control messages until the stream fails,
// which ends the session's alive state.
func (s *session) readControl() {
	defer func() {
		s.cancel()
		s.teardown()
	}()

	for {
		var msg controlMessage
		if err := s.dec.Decode(&msg); err != nil {
			if s.ctx.Err() == nil {
				s.logger.Debug("control stream closed", "error", err)
			}
			return
		}

		switch msg.Type {
		case msgAnnounce:
			s.dispatchAnnouncement(moq.Announcement{Path: moq.BroadcastPath(msg.Path), Active: msg.Active})
		case msgConsumeOK, msgConsumeError, msgSubscribeOK, msgSubscribeError:
			s.mu.Lock()
			ch := s.pending[msg.ID]
			delete(s.pending, msg.ID)
			s.mu.Unlock()
			if ch != nil {
				ch <- msg
			}
		case msgRequestTrack:
			s.startPump(msg)
		case msgCancelTrack:
			s.mu.Lock()
			cancel := s.pumps[msg.ID]
			delete(s.pumps, msg.ID)
			s.mu.Unlock()
			if cancel != nil {
				cancel()
			}
		default:
			s.logger.Debug("unknown control message", "type", msg.Type)
		}
	}
}

func (s *session) dispatchAnnouncement(ann moq.Announcement) {
	s.mu.Lock()
	origins := make([]*originQueue, len(s.origins))
	copy(origins, s.origins)
	s.mu.Unlock()
	for _, o := range origins {
		o.push(ann)
	}
}

// readData accepts incoming group streams and copies them into the owning
// subscription's buffer.
func (s *session) readData() {
	for {
		r, err := s.conn.AcceptUniStream(s.ctx)
		if err != nil {
			return
		}
		go s.handleGroupStream(r)
	}
}

func (s *session) handleGroupStream(r io.Reader) {
	lr := newByteLineReader(r)
	header, err := readGroupHeader(lr)
	if err != nil {
		s.logger.Debug("dropping data stream", "error", err)
		return
	}

	s.mu.Lock()
	sub := s.subs[header.ID]
	s.mu.Unlock()
	if sub == nil {
		return
	}

	group, err := sub.track.CreateGroup(moq.GroupSequence(header.Sequence))
	if err != nil {
		return
	}
	defer group.Finish()

	for {
		frame, err := readFrame(r)
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			s.logger.Debug("group stream failed", "seq", header.Sequence, "error", err)
			return
		}
		if err := group.WriteFrame(frame); err != nil {
			return
		}
	}
}

// startPump serves one remote subscription to a broadcast this session
// published: it reads groups from the local buffer and ships them out as
// unidirectional streams.
func (s *session) startPump(msg controlMessage) {
	s.mu.Lock()
	broadcast := s.published[moq.BroadcastPath(msg.Path)]
	s.mu.Unlock()
	if broadcast == nil {
		s.sendError(msgSubscribeError, msg.ID, "broadcast not published")
		return
	}

	track, err := broadcast.SubscribeTrack(moq.Track{
		Name:     moq.TrackName(msg.Track),
		Priority: moq.TrackPriority(msg.Priority),
	})
	if err != nil {
		s.sendError(msgSubscribeError, msg.ID, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.pumps[msg.ID] = cancel
	s.mu.Unlock()

	go func() {
		defer track.Close()
		defer func() {
			s.mu.Lock()
			delete(s.pumps, msg.ID)
			s.mu.Unlock()
			cancel()
		}()
		s.pump(ctx, msg.ID, track)
	}()
}

func (s *session) pump(ctx context.Context, id uint64, track moq.TrackConsumer) {
	for {
		group, err := track.NextGroup(ctx)
		if err != nil {
			return
		}
		if err := s.shipGroup(ctx, id, group); err != nil {
			group.Close()
			return
		}
		group.Close()
	}
}

func (s *session) shipGroup(ctx context.Context, id uint64, group moq.GroupConsumer) error {
	w, err := s.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return err
	}
	defer w.Close()

	if err := writeGroupHeader(w, groupHeader{ID: id, Sequence: uint64(group.Sequence())}); err != nil {
		return err
	}
	for {
		frame, err := group.ReadFrame(ctx)
		if errors.Is(err, moq.ErrGroupClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := writeFrame(w, frame); err != nil {
			return err
		}
	}
}

func (s *session) sendError(msgType string, id uint64, reason string) {
	if err := s.send(controlMessage{Type: msgType, ID: id, Reason: reason}); err != nil {
		s.logger.Debug("failed to send error response", "error", err)
	}
}

// broadcastHandle is the subscribing side of one remote broadcast.
type broadcastHandle struct {
	sess *session
	path moq.BroadcastPath
}

func (b *broadcastHandle) SubscribeTrack(track moq.Track) (moq.TrackConsumer, error) {
	rsp, err := b.sess.rpc(controlMessage{
		Type:     msgSubscribe,
		Path:     b.path.String(),
		Track:    track.Name.String(),
		Priority: uint8(track.Priority),
	})
	if err != nil {
		return nil, err
	}
	if rsp.Type != msgSubscribeOK {
		return nil, fmt.Errorf("%w: track %q: %s", moq.ErrNotFound, track.Name, rsp.Reason)
	}

	buf := moq.NewBroadcastProducer()
	tp, err := buf.CreateTrack(track)
	if err != nil {
		return nil, err
	}
	tc, err := buf.Consumable().SubscribeTrack(track)
	if err != nil {
		return nil, err
	}

	sub := &subscription{id: rsp.ID, buf: buf, track: tp}
	b.sess.mu.Lock()
	b.sess.subs[rsp.ID] = sub
	b.sess.mu.Unlock()

	return &remoteTrack{sess: b.sess, sub: sub, consumer: tc}, nil
}

func (b *broadcastHandle) Close() error { return nil }

// remoteTrack hands the locally buffered groups of one remote subscription
// to the caller.
type remoteTrack struct {
	sess     *session
	sub      *subscription
	consumer moq.TrackConsumer
}

func (t *remoteTrack) NextGroup(ctx context.Context) (moq.GroupConsumer, error) {
	return t.consumer.NextGroup(ctx)
}

func (t *remoteTrack) Close() error {
	t.sess.mu.Lock()
	delete(t.sess.subs, t.sub.id)
	t.sess.mu.Unlock()

	if t.sess.ctx.Err() == nil {
		t.sess.send(controlMessage{Type: msgUnsubscribe, ID: t.sub.id})
	}
	t.sub.buf.Close()
	return t.consumer.Close()
}

// originQueue delivers announcements to one consumer.
type originQueue struct {
	sess *session

	mu      sync.Mutex
	pending []moq.Announcement
	closed  bool
	updated chan struct{}
}

func newOriginQueue(sess *session) *originQueue {
	return &originQueue{sess: sess, updated: make(chan struct{})}
}

func (o *originQueue) push(ann moq.Announcement) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.pending = append(o.pending, ann)
	close(o.updated)
	o.updated = make(chan struct{})
}

func (o *originQueue) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.updated)
	o.updated = make(chan struct{})
}

func (o *originQueue) Announced(ctx context.Context) (moq.Announcement, error) {
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

func (o *originQueue) TryAnnounced() (moq.Announcement, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.pending) == 0 {
		return moq.Announcement{}, false
	}
	ann := o.pending[0]
	o.pending = o.pending[1:]
	return ann, true
}

func (o *originQueue) Close() error {
	o.close()

	o.sess.mu.Lock()
	defer o.sess.mu.Unlock()
	for i, v := range o.sess.origins {
		if v == o {
			o.sess.origins = append(o.sess.origins[:i], o.sess.origins[i+1:]...)
			break
		}
	}
	return nil
}
