package moqmgr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moqtools/moqmgr/moq"
	"github.com/moqtools/moqmgr/moq/moqtest"
)

func TestProducer_PublishesBroadcast(t *testing.T) {
	r := moqtest.NewRelay()
	config := testConfig("/studio")
	p := newProducer(0, "/studio", BroadcastTrack{Track: "video", Priority: 1}, relaySession(t, r), &config)
	p.Start()
	defer p.Stop()

	require.Eventually(t, p.IsPublished, time.Second, 5*time.Millisecond)
	require.NotNil(t, p.TrackProducer())
	assert.Equal(t, moq.TrackName("video"), p.TrackName())
	assert.Equal(t, ProducerStats{Track: "video", Published: true}, p.Stats())

	// Frames written through the exposed track producer reach subscribers.
	sub := relaySession(t, r)
	broadcast, err := sub.Consume("/studio")
	require.NoError(t, err)
	tc, err := broadcast.SubscribeTrack(moq.Track{Name: "video"})
	require.NoError(t, err)
	defer tc.Close()

	g, err := p.TrackProducer().CreateGroup(1)
	require.NoError(t, err)
	require.NoError(t, g.WriteFrame([]byte("frame")))
	g.Finish()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	gc, err := tc.NextGroup(ctx)
	require.NoError(t, err)
	frame, err := gc.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("frame"), frame)
}

func TestProducer_RetriesWhilePathTaken(t *testing.T) {
	r := moqtest.NewRelay()

	squatter := moq.NewBroadcastProducer()
	require.NoError(t, r.Publish("/studio", squatter.Consumable()))

	config := testConfig("/studio")
	p := newProducer(0, "/studio", BroadcastTrack{Track: "video"}, relaySession(t, r), &config)
	p.Start()
	defer p.Stop()

	time.Sleep(30 * time.Millisecond)
	assert.False(t, p.IsPublished())
	assert.Nil(t, p.TrackProducer())

	r.Unpublish("/studio")
	squatter.Close()

	require.Eventually(t, p.IsPublished, time.Second, 5*time.Millisecond)
}

func TestProducer_StopTearsDown(t *testing.T) {
	r := moqtest.NewRelay()
	config := testConfig("/studio")
	p := newProducer(0, "/studio", BroadcastTrack{Track: "video"}, relaySession(t, r), &config)
	p.Start()

	require.Eventually(t, p.IsPublished, time.Second, 5*time.Millisecond)

	p.Stop()
	assert.False(t, p.IsRunning())
	assert.False(t, p.IsPublished())
	assert.Nil(t, p.TrackProducer())

	// Idempotent, and safe before Start.
	p.Stop()
	idle := newProducer(1, "/studio", BroadcastTrack{Track: "video"}, relaySession(t, r), &config)
	idle.Stop()
}

func TestProducer_NilSessionPanics(t *testing.T) {
	config := testConfig("/studio")
	assert.Panics(t, func() {
		newProducer(0, "/studio", BroadcastTrack{Track: "video"}, nil, &config)
	})
}

func TestProducerSession_Lifecycle(t *testing.T) {
	r := moqtest.NewRelay()
	s := NewProducerSession(testConfig("/studio"), relayFactory(r), []BroadcastTrack{
		{Track: "video", Priority: 1},
	})

	require.True(t, s.Start())
	defer s.Stop()

	require.Eventually(t, func() bool {
		return s.Track("video") != nil
	}, time.Second, 5*time.Millisecond)
	assert.Nil(t, s.Track("unknown"))

	stats := s.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, ProducerStats{Track: "video", Published: true}, stats[0])

	// The broadcast is consumable through a second session of the relay.
	sub := relaySession(t, r)
	_, err := sub.Consume("/studio")
	assert.NoError(t, err)

	s.Stop()
	assert.False(t, s.IsRunning())
	_, err = relaySession(t, r).Consume("/studio")
	assert.ErrorIs(t, err, moq.ErrNotFound)
}

func TestProducerSession_ReconnectRepublishes(t *testing.T) {
	r := moqtest.NewRelay()
	s := NewProducerSession(testConfig("/studio"), relayFactory(r), []BroadcastTrack{
		{Track: "video"},
	})

	require.True(t, s.Start())
	defer s.Stop()

	require.Eventually(t, func() bool {
		return s.Track("video") != nil
	}, time.Second, 5*time.Millisecond)
	before := s.Track("video")

	r.DropSessions()
	r.Unpublish("/studio")

	require.Eventually(t, func() bool {
		tp := s.Track("video")
		return tp != nil && tp != before
	}, 2*time.Second, 10*time.Millisecond, "publication was not re-established")

	_, err := relaySession(t, r).Consume("/studio")
	assert.NoError(t, err)
}
