package proto

import (
	"encoding/binary"
	"fmt"
)

// MsgID identifies the body carried by a frame.
type MsgID uint8

const (
	MsgPositionInfo  MsgID = 0x01
	MsgArriveStop    MsgID = 0x02
	MsgLeaveStop     MsgID = 0x03
	MsgArriveStation MsgID = 0x04
	MsgLeaveStation  MsgID = 0x05
	MsgAlarmInfo     MsgID = 0x06
)

func (m MsgID) String() string {
	switch m {
	case MsgPositionInfo:
		return "PositionInfo"
	case MsgArriveStop:
		return "ArriveStop"
	case MsgLeaveStop:
		return "LeaveStop"
	case MsgArriveStation:
		return "ArriveStation"
	case MsgLeaveStation:
		return "LeaveStation"
	case MsgAlarmInfo:
		return "AlarmInfo"
	default:
		return fmt.Sprintf("Msg(0x%02x)", uint8(m))
	}
}

// Role is the sender/receiver role byte of a header.
type Role uint8

const (
	RoleNone     Role = 0x00
	RolePlatform Role = 0x01
	RoleDevice   Role = 0x02
)

// Header is the fixed-size frame prefix.
//
//	0  2  flag 0x7E 0x7E
//	2  2  total frame length
//	4  1  msg id
//	5  1  sequence
//	6  1  receiver role
//	7  1  sender role
//	8  4  receiver address
//	12 4  sender address
type Header struct {
	MsgID    MsgID
	Length   uint16
	Sequence uint8
	RecvRole Role
	SendRole Role
	RecvAddr uint32
	SendAddr uint32
}

const (
	flagStart = 0x7E
	flagEnd   = 0x0D

	// HeaderLen is also the offset of the body inside a frame.
	HeaderLen = 16
	// trailer is the checksum byte plus the end flag.
	trailerLen = 2

	// MaxFrameLen bounds the length field; anything larger is malformed.
	MaxFrameLen = 1024
)

func (h Header) put(b []byte) {
	b[0], b[1] = flagStart, flagStart
	binary.BigEndian.PutUint16(b[2:4], h.Length)
	b[4] = byte(h.MsgID)
	b[5] = h.Sequence
	b[6] = byte(h.RecvRole)
	b[7] = byte(h.SendRole)
	binary.BigEndian.PutUint32(b[8:12], h.RecvAddr)
	binary.BigEndian.PutUint32(b[12:16], h.SendAddr)
}

func readHeader(b []byte) Header {
	return Header{
		Length:   binary.BigEndian.Uint16(b[2:4]),
		MsgID:    MsgID(b[4]),
		Sequence: b[5],
		RecvRole: Role(b[6]),
		SendRole: Role(b[7]),
		RecvAddr: binary.BigEndian.Uint32(b[8:12]),
		SendAddr: binary.BigEndian.Uint32(b[12:16]),
	}
}

// checksum XORs every byte between the start flag and the checksum byte.
func checksum(b []byte) byte {
	var c byte
	for _, v := range b {
		c ^= v
	}
	return c
}
