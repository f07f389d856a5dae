package client

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Control messages are newline-delimited JSON on the session's control
// stream; group data rides unidirectional streams carrying a JSON header
// line followed by length-prefixed frames until stream end.

const (
	msgSetup          = "setup"
	msgSetupOK        = "setup_ok"
	msgAnnounce       = "announce"
	msgConsume        = "consume"
	msgConsumeOK      = "consume_ok"
	msgConsumeError   = "consume_error"
	msgSubscribe      = "subscribe"
	msgSubscribeOK    = "subscribe_ok"
	msgSubscribeError = "subscribe_error"
	msgUnsubscribe    = "unsubscribe"
	msgPublish        = "publish"
	msgUnpublish      = "unpublish"
	msgRequestTrack   = "request_track"
	msgCancelTrack    = "cancel_track"
)

type controlMessage struct {
	Type     string `json:"type"`
	ID       uint64 `json:"id,omitempty"`
	Mode     string `json:"mode,omitempty"`
	Path     string `json:"path,omitempty"`
	Track    string `json:"track,omitempty"`
	Priority uint8  `json:"priority,omitempty"`
	Active   bool   `json:"active,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// groupHeader opens every data stream. ID is the subscription the group
// belongs to: the subscriber-chosen id for incoming data, the
// relay-chosen id for outgoing published data.
type groupHeader struct {
	ID       uint64 `json:"id"`
	Sequence uint64 `json:"seq"`
}

// maxFramePayload bounds a single frame so a corrupt length prefix cannot
// trigger an absurd allocation.
const maxFramePayload = 16 << 20

func writeGroupHeader(w io.Writer, h groupHeader) error {
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

func readGroupHeader(r *byteLineReader) (groupHeader, error) {
	line, err := r.readLine()
	if err != nil {
		return groupHeader{}, err
	}
	var h groupHeader
	if err := json.Unmarshal(line, &h); err != nil {
		return groupHeader{}, fmt.Errorf("malformed group header: %w", err)
	}
	return h, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame returns io.EOF at a clean group end.
func readFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("truncated frame prefix: %w", err)
		}
		return nil, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > maxFramePayload {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("truncated frame payload: %w", err)
	}
	return payload, nil
}

// byteLineReader reads a single newline-terminated line without buffering
// past it, keeping the remaining stream bytes for the frame reader.
type byteLineReader struct {
	r io.Reader
}

func newByteLineReader(r io.Reader) *byteLineReader {
	return &byteLineReader{r: r}
}

func (b *byteLineReader) readLine() ([]byte, error) {
	var line []byte
	var one [1]byte
	for {
		if _, err := b.r.Read(one[:]); err != nil {
			return nil, err
		}
		if one[0] == '\n' {
			return line, nil
		}
		line = append(line, one[0])
		if len(line) > 4096 {
			return nil, fmt.Errorf("group header line too long")
		}
	}
}
