package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matst80/busbridge/internal/proto"
)

func testFrame(t *testing.T, seq uint8) []byte {
	t.Helper()
	body := &proto.ArriveStation{}
	copy(body.VehicleNo[:], "B1")
	body.StationNo = 3
	f, err := proto.Encode(proto.Header{Sequence: seq, SendRole: proto.RoleDevice}, body)
	require.NoError(t, err)
	return f
}

func TestScanFramesAndRemainder(t *testing.T) {
	a, b := testFrame(t, 1), testFrame(t, 2)
	buf := append(append([]byte{}, a...), b[:5]...)

	var seqs []uint8
	rest, skipped := scan(buf, func(_ []byte, res proto.ParseResult) { seqs = append(seqs, res.Header.Sequence) })
	assert.Equal(t, []uint8{1}, seqs)
	assert.Equal(t, b[:5], rest)
	assert.Zero(t, skipped)

	rest, _ = scan(append(rest, b[5:]...), func(_ []byte, res proto.ParseResult) { seqs = append(seqs, res.Header.Sequence) })
	assert.Equal(t, []uint8{1, 2}, seqs)
	assert.Empty(t, rest)
}

func TestScanResyncsAfterGarbage(t *testing.T) {
	f := testFrame(t, 9)
	buf := append([]byte{0x01, 0x02, 0x7E, 0x00}, f...)
	var got int
	rest, skipped := scan(buf, func([]byte, proto.ParseResult) { got++ })
	assert.Equal(t, 1, got)
	assert.Equal(t, 4, skipped)
	assert.Empty(t, rest)
}

func TestScanKeepsTrailingFlagByte(t *testing.T) {
	rest, skipped := scan([]byte{0x55, 0x66, 0x7E}, func([]byte, proto.ParseResult) { t.Fatal("no frame expected") })
	assert.Equal(t, []byte{0x7E}, rest)
	assert.Equal(t, 2, skipped)
}

func TestDescribeDecodesBody(t *testing.T) {
	f := testFrame(t, 4)
	line := describe(f, proto.ParseFrame(f))
	assert.Equal(t, "ArriveStation", line.Msg)
	assert.Equal(t, uint8(4), line.Sequence)
	assert.Empty(t, line.Error)
	require.NotNil(t, line.Body)
	assert.Equal(t, proto.MsgArriveStation, line.Body.MsgID())
}
