package atlas

import (
	"bytes"
	"io"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

// scriptStream is an in-memory serial endpoint. Reads drain the queued
// replies and writes are captured for inspection.
type scriptStream struct {
	replies bytes.Buffer
	writes  bytes.Buffer
	closed  bool
}

func (s *scriptStream) Read(p []byte) (int, error) {
	if s.replies.Len() == 0 {
		return 0, io.EOF
	}
	return s.replies.Read(p)
}

func (s *scriptStream) Write(p []byte) (int, error) {
	return s.writes.Write(p)
}

func (s *scriptStream) Close() error {
	s.closed = true
	return nil
}

func newTestHandle(script string) (*Handle, *scriptStream) {
	logger := log.New()
	logger.SetOutput(io.Discard)

	stream := &scriptStream{}
	stream.replies.WriteString(script)
	return &Handle{stream: stream, logger: logger}, stream
}

func TestIdentify(t *testing.T) {
	h, stream := newTestHandle("ATLAS 2.1\nok\n")

	ident, err := h.identify()
	assert.NoError(t, err)
	assert.Equal(t, "ATLAS 2.1", ident)
	assert.Equal(t, "ID\r", stream.writes.String())
}

func TestIdentifyRejectsOtherDevices(t *testing.T) {
	h, _ := newTestHandle("GRBL 1.1\nok\n")

	_, err := h.identify()
	assert.ErrorContains(t, err, "not an Atlas controller")
}

func TestMove(t *testing.T) {
	h, stream := newTestHandle("ok\n")

	assert.NoError(t, h.Move(-120))
	assert.Equal(t, "MV -120\r", stream.writes.String())
}

func TestMoveRejected(t *testing.T) {
	h, _ := newTestHandle("err motor stalled\n")

	assert.ErrorContains(t, h.Move(500), "err motor stalled")
}

func TestPosition(t *testing.T) {
	h, stream := newTestHandle("8112\nok\n")

	pos, err := h.Position()
	assert.NoError(t, err)
	assert.Equal(t, 8112, pos)
	assert.Equal(t, "PO\r", stream.writes.String())
}

func TestPositionBadReply(t *testing.T) {
	h, _ := newTestHandle("wat\nok\n")

	_, err := h.Position()
	assert.ErrorContains(t, err, "bad position reply")
}

func TestStatusBits(t *testing.T) {
	h, _ := newTestHandle("5\nok\n")

	bits, err := h.StatusBits()
	assert.NoError(t, err)
	assert.Equal(t, 5, bits)
}

func TestMaxExtent(t *testing.T) {
	h, stream := newTestHandle("105000\nok\n")

	max, err := h.MaxExtent()
	assert.NoError(t, err)
	assert.Equal(t, 105000, max)
	assert.Equal(t, "MX\r", stream.writes.String())
}

func TestTruncatedReply(t *testing.T) {
	// An unplugged controller yields nothing but read timeouts.
	h, _ := newTestHandle("")

	assert.Error(t, h.Move(10))
	_, err := h.Position()
	assert.Error(t, err)
}

func TestCarriageReturnsSkipped(t *testing.T) {
	h, _ := newTestHandle("8112\r\nok\r\n")

	pos, err := h.Position()
	assert.NoError(t, err)
	assert.Equal(t, 8112, pos)
}

func TestClose(t *testing.T) {
	h, stream := newTestHandle("")

	assert.NoError(t, h.Close())
	assert.True(t, stream.closed)
}
