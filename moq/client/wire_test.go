package client

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupStream_RoundTrip(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, writeGroupHeader(&buf, groupHeader{ID: 3, Sequence: 42}))
	require.NoError(t, writeFrame(&buf, []byte("first")))
	require.NoError(t, writeFrame(&buf, nil))
	require.NoError(t, writeFrame(&buf, []byte("second")))

	header, err := readGroupHeader(newByteLineReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, groupHeader{ID: 3, Sequence: 42}, header)

	frame, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), frame)

	frame, err = readFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, frame)

	frame, err = readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), frame)

	// Stream end is a clean group end.
	_, err = readFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadGroupHeader_LeavesFrameBytesUntouched(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeGroupHeader(&buf, groupHeader{ID: 1, Sequence: 1}))
	require.NoError(t, writeFrame(&buf, []byte("x")))

	// The line reader must not buffer past the newline, or the frame
	// prefix would be lost.
	_, err := readGroupHeader(newByteLineReader(&buf))
	require.NoError(t, err)

	frame, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), frame)
}

func TestReadGroupHeader_Malformed(t *testing.T) {
	tests := map[string]struct {
		data string
	}{
		"not json":      {data: "garbage\n"},
		"missing line":  {data: `{"id":1,"seq":2}`},
		"empty stream":  {data: ""},
		"oversize line": {data: string(bytes.Repeat([]byte("a"), 5000)) + "\n"},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := readGroupHeader(newByteLineReader(bytes.NewBufferString(tt.data)))
			assert.Error(t, err)
		})
	}
}

func TestReadFrame_Errors(t *testing.T) {
	t.Run("truncated prefix", func(t *testing.T) {
		_, err := readFrame(bytes.NewReader([]byte{0, 0}))
		assert.Error(t, err)
		assert.NotErrorIs(t, err, io.EOF)
	})

	t.Run("truncated payload", func(t *testing.T) {
		var buf bytes.Buffer
		var prefix [4]byte
		binary.BigEndian.PutUint32(prefix[:], 10)
		buf.Write(prefix[:])
		buf.WriteString("short")

		_, err := readFrame(&buf)
		assert.Error(t, err)
	})

	t.Run("oversize payload rejected", func(t *testing.T) {
		var prefix [4]byte
		binary.BigEndian.PutUint32(prefix[:], maxFramePayload+1)

		_, err := readFrame(bytes.NewReader(prefix[:]))
		assert.Error(t, err)
	})
}
