package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func arriveStop() *ArriveStop {
	b := &ArriveStop{}
	copy(b.VehicleNo[:], "B12345")
	copy(b.LineNo[:], "M101")
	b.Timestamp = 1_700_000_000
	b.StopNo = 17
	b.StopSeq = 4
	b.Upstream = 1
	return b
}

func TestBodyAndPackLen(t *testing.T) {
	cases := map[MsgID]int{
		MsgPositionInfo:  41,
		MsgArriveStop:    32,
		MsgLeaveStop:     32,
		MsgArriveStation: 31,
		MsgLeaveStation:  31,
		MsgAlarmInfo:     38,
	}
	for id, want := range cases {
		assert.Equal(t, want, BodyLen(id), id.String())
		assert.Equal(t, HeaderLen+want+trailerLen, PackLen(id), id.String())
	}
	assert.Equal(t, 0, BodyLen(0x7F))
	assert.Equal(t, 0, PackLen(0x7F))
}

func TestEncodeParseDecode(t *testing.T) {
	in := arriveStop()
	frame, err := Encode(Header{Sequence: 9, RecvRole: RolePlatform}, in)
	require.NoError(t, err)
	require.Len(t, frame, PackLen(MsgArriveStop))

	res := ParseFrame(frame)
	require.Equal(t, StatusOK, res.Status, "err: %v", res.Err)
	assert.Equal(t, len(frame), res.Consumed)
	assert.Equal(t, MsgArriveStop, res.Header.MsgID)
	assert.Equal(t, uint8(9), res.Header.Sequence)
	assert.Equal(t, RolePlatform, res.Header.RecvRole)
	assert.Equal(t, uint16(len(frame)), res.Header.Length)
	assert.Len(t, res.Body, BodyLen(MsgArriveStop))

	out, err := DecodeBody(res.Header.MsgID, res.Body)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestParseFramePartial(t *testing.T) {
	frame, err := Encode(Header{}, arriveStop())
	require.NoError(t, err)
	for _, n := range []int{0, 1, 3, HeaderLen, len(frame) - 1} {
		res := ParseFrame(frame[:n])
		assert.Equal(t, StatusContinue, res.Status, "prefix %d", n)
		assert.Zero(t, res.Consumed)
	}
}

func TestParseFrameTrailingData(t *testing.T) {
	frame, err := Encode(Header{}, arriveStop())
	require.NoError(t, err)
	buf := append(append([]byte{}, frame...), frame[:5]...)
	res := ParseFrame(buf)
	require.Equal(t, StatusOK, res.Status)
	assert.Equal(t, len(frame), res.Consumed)
	assert.Equal(t, StatusContinue, ParseFrame(buf[res.Consumed:]).Status)
}

func TestParseFrameMalformed(t *testing.T) {
	frame, err := Encode(Header{}, arriveStop())
	require.NoError(t, err)

	badFlag := append([]byte{}, frame...)
	badFlag[0] = 0x00
	res := ParseFrame(badFlag)
	assert.Equal(t, StatusError, res.Status)
	assert.ErrorIs(t, res.Err, ErrBadFlag)

	badSum := append([]byte{}, frame...)
	badSum[HeaderLen] ^= 0xFF
	res = ParseFrame(badSum)
	assert.Equal(t, StatusError, res.Status)
	assert.ErrorIs(t, res.Err, ErrChecksum)

	badLen := append([]byte{}, frame...)
	badLen[2], badLen[3] = 0, 4
	res = ParseFrame(badLen)
	assert.Equal(t, StatusError, res.Status)
	assert.ErrorIs(t, res.Err, ErrBadLength)
}

func TestDecodeBodyRejectsInvalid(t *testing.T) {
	bad := arriveStop()
	bad.Upstream = 7
	frame, err := Encode(Header{}, bad)
	require.NoError(t, err)
	res := ParseFrame(frame)
	require.Equal(t, StatusOK, res.Status)

	_, err = DecodeBody(res.Header.MsgID, res.Body)
	assert.ErrorIs(t, err, ErrInvalidBody)

	_, err = DecodeBody(MsgArriveStop, res.Body[:5])
	assert.ErrorIs(t, err, ErrBodyLength)

	_, err = DecodeBody(0x7F, res.Body)
	assert.ErrorIs(t, err, ErrUnknownMsg)
}

func TestDecodeJSON(t *testing.T) {
	b, err := DecodeJSON(MsgPositionInfo, []byte(`{"vehicleNo":"B12345","lineNo":"M101","timestamp":1700000000,"longitude":114057868,"latitude":22543099,"speed":315,"heading":90,"upstream":0}`))
	require.NoError(t, err)
	p := b.(*PositionInfo)
	assert.Equal(t, "B12345", p.VehicleNo.String())
	assert.Equal(t, int32(22543099), p.Latitude)

	_, err = DecodeJSON(MsgPositionInfo, []byte(`{"vehicleNo":"`+"ABCDEFGHIJKLMNOPQ"+`"}`))
	assert.Error(t, err)

	_, err = DecodeJSON(MsgAlarmInfo, []byte(`{"vehicleNo":"B1","alarmLevel":0}`))
	assert.ErrorIs(t, err, ErrInvalidBody)

	_, err = DecodeJSON(MsgLeaveStop, []byte(`not json`))
	assert.Error(t, err)
}
