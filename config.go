package moqmgr

import (
	"io"
	"log/slog"
	"time"

	"github.com/moqtools/moqmgr/moq"
)

const (
	defaultConnectTimeout    = 5 * time.Second
	defaultMonitorInterval   = time.Second
	defaultReconnectInterval = 3 * time.Second
	defaultRetryInterval     = 5 * time.Second
	defaultFrameReadTimeout  = 100 * time.Millisecond
	defaultCatalogTrack      = moq.TrackName("catalog.json")
)

// Config holds the static configuration of a session. It is copied at
// construction and never mutated afterwards.
type Config struct {
	// ServerURL is the relay address handed to the transport client.
	ServerURL string

	// Namespace is the broadcast path this session subscribes to or
	// publishes under.
	Namespace moq.BroadcastPath

	// DisableReconnect stops the session on transport loss instead of
	// retrying. The zero value keeps reconnection enabled.
	DisableReconnect bool

	// ConnectTimeout bounds each transport connect attempt.
	// Defaults to 5 seconds.
	ConnectTimeout time.Duration

	// MonitorInterval is how often transport health is polled.
	// Defaults to 1 second.
	MonitorInterval time.Duration

	// ReconnectInterval is the minimum spacing between reconnect attempts
	// after the first. Defaults to 3 seconds.
	ReconnectInterval time.Duration

	// RetryInterval is how long a worker waits between attempts to
	// establish its subscription or publication. Defaults to 5 seconds.
	RetryInterval time.Duration

	// FrameReadTimeout bounds a single frame read so a worker observes a
	// stop request even on a silent group. Defaults to 100 milliseconds.
	FrameReadTimeout time.Duration

	// CatalogTrack is the well-known track name the catalog document is
	// delivered on. Defaults to "catalog.json".
	CatalogTrack moq.TrackName

	// Logger receives structured logs. Nil discards them; the status and
	// error callbacks are independent of it.
	Logger *slog.Logger

	// Metrics, when set, receives counters from workers and the session.
	Metrics *Metrics
}

func (c *Config) connectTimeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return defaultConnectTimeout
}

func (c *Config) monitorInterval() time.Duration {
	if c.MonitorInterval > 0 {
		return c.MonitorInterval
	}
	return defaultMonitorInterval
}

func (c *Config) reconnectInterval() time.Duration {
	if c.ReconnectInterval > 0 {
		return c.ReconnectInterval
	}
	return defaultReconnectInterval
}

func (c *Config) retryInterval() time.Duration {
	if c.RetryInterval > 0 {
		return c.RetryInterval
	}
	return defaultRetryInterval
}

func (c *Config) frameReadTimeout() time.Duration {
	if c.FrameReadTimeout > 0 {
		return c.FrameReadTimeout
	}
	return defaultFrameReadTimeout
}

func (c *Config) catalogTrack() moq.TrackName {
	if c.CatalogTrack != "" {
		return c.CatalogTrack
	}
	return defaultCatalogTrack
}

func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
