package control_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenbroker/internal/control"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, control.WriteFrame(&buf, []byte("show acme")))

	got, err := control.ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "show acme", string(got))
}

func TestFrameEmptyBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, control.WriteFrame(&buf, nil))

	got, err := control.ReadFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFrameLengthIsBigEndian(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, control.WriteFrame(&buf, []byte("ok")))

	raw := buf.Bytes()
	require.GreaterOrEqual(t, len(raw), 4)
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(raw[:4]))
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], 1<<30)
	buf.Write(lenBuf[:])

	_, err := control.ReadFrame(&buf)
	assert.ErrorIs(t, err, control.ErrFrameTooLarge)
}

func TestReadFrameTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], 10)
	buf.Write(lenBuf[:])
	buf.WriteString("short")

	_, err := control.ReadFrame(&buf)
	assert.Error(t, err)
}
