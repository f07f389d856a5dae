package client

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"

	quicgo "github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"
)

// connection abstracts the stream operations the relay protocol needs, so
// one session implementation runs over both WebTransport and native QUIC.
type connection interface {
	OpenStreamSync(ctx context.Context) (stream, error)
	OpenUniStreamSync(ctx context.Context) (io.WriteCloser, error)
	AcceptUniStream(ctx context.Context) (io.Reader, error)
	Context() context.Context
	Close() error
}

type stream interface {
	io.Reader
	io.Writer
	io.Closer
}

const sessionClosedCode = 0x0

func dialWebTransport(ctx context.Context, addr string) (connection, error) {
	var d webtransport.Dialer
	_, wtsess, err := d.Dial(ctx, addr, http.Header{})
	if err != nil {
		return nil, err
	}
	return &webtransportConnection{sess: wtsess}, nil
}

func dialQUIC(ctx context.Context, addr string, tlsConfig *tls.Config, quicConfig *quicgo.Config) (connection, error) {
	conn, err := quicgo.DialAddrEarly(ctx, addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, err
	}
	return &quicConnection{conn: conn}, nil
}

type webtransportConnection struct {
	sess *webtransport.Session
}

func (c *webtransportConnection) OpenStreamSync(ctx context.Context) (stream, error) {
	return c.sess.OpenStreamSync(ctx)
}

func (c *webtransportConnection) OpenUniStreamSync(ctx context.Context) (io.WriteCloser, error) {
	return c.sess.OpenUniStreamSync(ctx)
}

func (c *webtransportConnection) AcceptUniStream(ctx context.Context) (io.Reader, error) {
	return c.sess.AcceptUniStream(ctx)
}

func (c *webtransportConnection) Context() context.Context {
	return c.sess.Context()
}

func (c *webtransportConnection) Close() error {
	return c.sess.CloseWithError(webtransport.SessionErrorCode(sessionClosedCode), "session closed")
}

type quicConnection struct {
	conn quicgo.Connection
}

func (c *quicConnection) OpenStreamSync(ctx context.Context) (stream, error) {
	return c.conn.OpenStreamSync(ctx)
}

func (c *quicConnection) OpenUniStreamSync(ctx context.Context) (io.WriteCloser, error) {
	return c.conn.OpenUniStreamSync(ctx)
}

func (c *quicConnection) AcceptUniStream(ctx context.Context) (io.Reader, error) {
	return c.conn.AcceptUniStream(ctx)
}

func (c *quicConnection) Context() context.Context {
	return c.conn.Context()
}

func (c *quicConnection) Close() error {
	return c.conn.CloseWithError(quicgo.ApplicationErrorCode(sessionClosedCode), "session closed")
}
