// Package moq defines the boundary to the media-over-QUIC transport.
//
// The session manager in the parent module consumes these interfaces only;
// concrete implementations live in subpackages (moq/client for a real relay
// connection over WebTransport or QUIC, moq/moqtest for an in-process relay). The broadcast
// producer side is implemented here directly: a BroadcastProducer is an
// in-memory buffer that publishers write groups into and that sessions hand
// out consumable views of.
package moq

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by operations on a closed session, track or group.
	ErrClosed = errors.New("moq: closed")

	// ErrGroupClosed is returned by GroupConsumer.ReadFrame once every frame
	// of the group has been read and the group has been finished.
	ErrGroupClosed = errors.New("moq: group closed")

	// ErrNotFound is returned when a broadcast or track does not exist.
	ErrNotFound = errors.New("moq: not found")

	// ErrDuplicate is returned when publishing under an already taken path
	// or creating a track that already exists.
	ErrDuplicate = errors.New("moq: duplicate")
)

// Mode selects the direction of a session.
type Mode int

const (
	ModeBoth Mode = iota
	ModePublishOnly
	ModeSubscribeOnly
)

func (m Mode) String() string {
	switch m {
	case ModePublishOnly:
		return "publish"
	case ModeSubscribeOnly:
		return "subscribe"
	default:
		return "both"
	}
}

// BroadcastPath identifies a broadcast, a named collection of tracks
// published together.
type BroadcastPath string

func (p BroadcastPath) String() string { return string(p) }

// TrackName identifies a track within a broadcast.
type TrackName string

func (n TrackName) String() string { return string(n) }

// TrackPriority is the delivery priority of a track. Lower values are
// delivered first.
type TrackPriority uint8

// GroupSequence numbers groups within a track.
type GroupSequence uint64

// Track describes one track of a broadcast.
type Track struct {
	Name     TrackName
	Priority TrackPriority
}

// Announcement reports that a broadcast at a path became active or inactive.
type Announcement struct {
	Path   BroadcastPath
	Active bool
}

// Client creates sessions against a relay.
type Client interface {
	Connect(ctx context.Context, serverURL string, mode Mode) (Session, error)
	Close() error
}

// Session is one live connection to a relay. It is owned by exactly one
// session manager; workers receive it as a shared read-mostly reference.
type Session interface {
	IsConnected() bool
	IsAlive() bool

	// Publish makes the broadcast available under the given path.
	Publish(path BroadcastPath, broadcast BroadcastConsumer) error

	// Consume opens a consumer for the broadcast at the given path.
	// It returns ErrNotFound if no such broadcast has been announced.
	Consume(path BroadcastPath) (BroadcastConsumer, error)

	// OriginConsumer returns a handle delivering broadcast announcements.
	OriginConsumer() (OriginConsumer, error)

	Close() error
}

// OriginConsumer delivers announcements, one at a time.
type OriginConsumer interface {
	// Announced blocks until the next announcement is available.
	Announced(ctx context.Context) (Announcement, error)

	// TryAnnounced reports the next pending announcement without blocking.
	TryAnnounced() (Announcement, bool)

	Close() error
}

// BroadcastConsumer is the subscribing side of one broadcast.
type BroadcastConsumer interface {
	// SubscribeTrack subscribes to the named track. It returns ErrNotFound
	// while the track does not exist yet.
	SubscribeTrack(track Track) (TrackConsumer, error)

	Close() error
}

// TrackConsumer delivers the groups of one subscribed track in order.
type TrackConsumer interface {
	// NextGroup blocks until the next group arrives. It returns ErrClosed
	// when the subscription is no longer valid.
	NextGroup(ctx context.Context) (GroupConsumer, error)

	Close() error
}

// GroupConsumer delivers the frames of one group in order.
type GroupConsumer interface {
	Sequence() GroupSequence

	// ReadFrame blocks until the next frame is available. It returns
	// ErrGroupClosed once the group is exhausted.
	ReadFrame(ctx context.Context) ([]byte, error)

	Close() error
}
