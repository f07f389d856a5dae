package moqmgr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moqtools/moqmgr/moq"
	"github.com/moqtools/moqmgr/moq/moqtest"
)

// frameSink collects callback payloads for assertions.
type frameSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *frameSink) OnData(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	frame := make([]byte, len(data))
	copy(frame, data)
	s.frames = append(s.frames, frame)
}

func (s *frameSink) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := make([][]byte, len(s.frames))
	copy(frames, s.frames)
	return frames
}

func relaySession(t *testing.T, r *moqtest.Relay) moq.Session {
	t.Helper()
	sess, err := r.Client().Connect(context.Background(), "moqtest://relay", moq.ModeBoth)
	require.NoError(t, err)
	return sess
}

func publishTrack(t *testing.T, r *moqtest.Relay, path moq.BroadcastPath, name moq.TrackName) (*moq.BroadcastProducer, *moq.TrackProducer) {
	t.Helper()
	bp := moq.NewBroadcastProducer()
	tp, err := bp.CreateTrack(moq.Track{Name: name})
	require.NoError(t, err)
	require.NoError(t, r.Publish(path, bp.Consumable()))
	return bp, tp
}

func writeFrames(t *testing.T, tp *moq.TrackProducer, seq moq.GroupSequence, frames ...[]byte) {
	t.Helper()
	g, err := tp.CreateGroup(seq)
	require.NoError(t, err)
	for _, frame := range frames {
		require.NoError(t, g.WriteFrame(frame))
	}
	g.Finish()
}

func TestConsumer_DeliversFramesInOrder(t *testing.T) {
	r := moqtest.NewRelay()
	bp, tp := publishTrack(t, r, "/live", "video")
	defer bp.Close()

	sink := &frameSink{}
	config := testConfig("/live")
	c := newConsumer(0, "/live", Subscription{Track: "video", OnData: sink.OnData}, 1, relaySession(t, r), &config)
	c.Start()
	defer c.Stop()

	require.Eventually(t, c.IsSubscribed, time.Second, 5*time.Millisecond)

	writeFrames(t, tp, 1, []byte("a"), []byte("b"))
	writeFrames(t, tp, 2, []byte("c"))

	require.Eventually(t, func() bool {
		return len(sink.Frames()) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, sink.Frames())

	stats := c.Stats()
	assert.Equal(t, moq.TrackName("video"), stats.Track)
	assert.True(t, stats.Subscribed)
	assert.Equal(t, uint64(3), stats.MessagesReceived)
	assert.Equal(t, uint64(3), stats.BytesReceived)
	assert.False(t, stats.LastData.IsZero())
}

func TestConsumer_RetriesUntilBroadcastAppears(t *testing.T) {
	r := moqtest.NewRelay()

	sink := &frameSink{}
	config := testConfig("/live")
	c := newConsumer(0, "/live", Subscription{Track: "video", OnData: sink.OnData}, 1, relaySession(t, r), &config)
	c.Start()
	defer c.Stop()

	time.Sleep(30 * time.Millisecond)
	assert.False(t, c.IsSubscribed())

	bp, tp := publishTrack(t, r, "/live", "video")
	defer bp.Close()

	require.Eventually(t, c.IsSubscribed, time.Second, 5*time.Millisecond)

	writeFrames(t, tp, 1, []byte("late"))
	require.Eventually(t, func() bool {
		return len(sink.Frames()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestConsumer_ResubscribesAfterBroadcastEnds(t *testing.T) {
	r := moqtest.NewRelay()
	bp, tp := publishTrack(t, r, "/live", "video")

	sink := &frameSink{}
	config := testConfig("/live")
	c := newConsumer(0, "/live", Subscription{Track: "video", OnData: sink.OnData}, 1, relaySession(t, r), &config)
	c.Start()
	defer c.Stop()

	require.Eventually(t, c.IsSubscribed, time.Second, 5*time.Millisecond)
	writeFrames(t, tp, 1, []byte("first"))
	require.Eventually(t, func() bool {
		return len(sink.Frames()) == 1
	}, time.Second, 5*time.Millisecond)

	// End the broadcast; the worker must fall back to retrying.
	r.Unpublish("/live")
	bp.Close()
	require.Eventually(t, func() bool {
		return !c.IsSubscribed()
	}, time.Second, 5*time.Millisecond)

	// A replacement broadcast under the same path is picked up again.
	bp2, tp2 := publishTrack(t, r, "/live", "video")
	defer bp2.Close()

	require.Eventually(t, c.IsSubscribed, time.Second, 5*time.Millisecond)
	writeFrames(t, tp2, 1, []byte("second"))
	require.Eventually(t, func() bool {
		return len(sink.Frames()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, [][]byte{[]byte("first"), []byte("second")}, sink.Frames())
}

func TestConsumer_CallbackPanicDoesNotKillWorker(t *testing.T) {
	r := moqtest.NewRelay()
	bp, tp := publishTrack(t, r, "/live", "video")
	defer bp.Close()

	var (
		mu    sync.Mutex
		calls int
	)
	onData := func([]byte) {
		mu.Lock()
		calls++
		mu.Unlock()
		panic("user bug")
	}

	config := testConfig("/live")
	c := newConsumer(0, "/live", Subscription{Track: "video", OnData: onData}, 1, relaySession(t, r), &config)
	c.Start()
	defer c.Stop()

	require.Eventually(t, c.IsSubscribed, time.Second, 5*time.Millisecond)

	writeFrames(t, tp, 1, []byte("a"))
	writeFrames(t, tp, 2, []byte("b"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	}, time.Second, 5*time.Millisecond)

	assert.True(t, c.IsRunning())
	assert.Equal(t, uint64(2), c.Stats().MessagesReceived)
}

func TestConsumer_NilCallback(t *testing.T) {
	r := moqtest.NewRelay()
	bp, tp := publishTrack(t, r, "/live", "video")
	defer bp.Close()

	config := testConfig("/live")
	c := newConsumer(0, "/live", Subscription{Track: "video"}, 1, relaySession(t, r), &config)
	c.Start()
	defer c.Stop()

	require.Eventually(t, c.IsSubscribed, time.Second, 5*time.Millisecond)
	writeFrames(t, tp, 1, []byte("uncollected"))

	require.Eventually(t, func() bool {
		return c.Stats().MessagesReceived == 1
	}, time.Second, 5*time.Millisecond)
}

func TestConsumer_StopJoinsWorker(t *testing.T) {
	r := moqtest.NewRelay()
	bp, _ := publishTrack(t, r, "/live", "video")
	defer bp.Close()

	config := testConfig("/live")
	c := newConsumer(0, "/live", Subscription{Track: "video"}, 1, relaySession(t, r), &config)
	c.Start()
	require.Eventually(t, c.IsSubscribed, time.Second, 5*time.Millisecond)

	c.Stop()
	assert.False(t, c.IsRunning())
	assert.False(t, c.IsSubscribed())

	// Stop is idempotent and safe on a never-started consumer.
	c.Stop()
	idle := newConsumer(1, "/live", Subscription{Track: "video"}, 1, relaySession(t, r), &config)
	idle.Stop()
}

func TestConsumer_NilSessionPanics(t *testing.T) {
	config := testConfig("/live")
	assert.Panics(t, func() {
		newConsumer(0, "/live", Subscription{Track: "video"}, 1, nil, &config)
	})
}
