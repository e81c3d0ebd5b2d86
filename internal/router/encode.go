package router

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/matst80/busbridge/internal/obs"
	"github.com/matst80/busbridge/internal/proto"
	"github.com/matst80/busbridge/internal/push"
)

var ErrUnknownKey = errors.New("unknown message key")

// Enqueuer accepts packets for broadcast.
type Enqueuer interface {
	Enqueue(p push.Packet)
}

var keyToMsg = map[string]proto.MsgID{
	"PositionInfo":  proto.MsgPositionInfo,
	"ArriveStop":    proto.MsgArriveStop,
	"LeaveStop":     proto.MsgLeaveStop,
	"ArriveStation": proto.MsgArriveStation,
	"LeaveStation":  proto.MsgLeaveStation,
	"AlarmInfo":     proto.MsgAlarmInfo,
}

// Keys lists the bus keys the encoder understands.
func Keys() []string {
	out := make([]string, 0, len(keyToMsg))
	for k := range keyToMsg {
		out = append(out, k)
	}
	return out
}

// MsgForKey maps a bus key to its message id.
func MsgForKey(key string) (proto.MsgID, bool) {
	id, ok := keyToMsg[key]
	return id, ok
}

// Encoder turns bus events into framed packets. It owns the sequence
// counter stamped into every header it produces.
type Encoder struct {
	seq atomic.Uint32
	out Enqueuer
}

func NewEncoder(out Enqueuer) *Encoder {
	return &Encoder{out: out}
}

// Encode builds the frame for one bus event. The sequence number is only
// consumed once the payload has been accepted.
func (e *Encoder) Encode(key string, payload []byte) (push.Packet, error) {
	id, ok := keyToMsg[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	body, err := proto.DecodeJSON(id, payload)
	if err != nil {
		return nil, err
	}
	h := proto.Header{
		Sequence: uint8(e.seq.Add(1) - 1),
		RecvRole: proto.RolePlatform,
		SendRole: proto.RoleNone,
	}
	frame, err := proto.Encode(h, body)
	if err != nil {
		return nil, err
	}
	return push.Packet(frame), nil
}

// OnEvent encodes a bus event and queues it. Failures drop only this event.
func (e *Encoder) OnEvent(key string, payload []byte) {
	pkt, err := e.Encode(key, payload)
	if err != nil {
		reason := "encode"
		if errors.Is(err, ErrUnknownKey) {
			reason = "unknown_key"
			obs.Warn("encode.unknown_key", obs.Fields{"key": key})
		} else {
			obs.Error("encode.failed", obs.Fields{"key": key, "err": err.Error(), "payload_len": len(payload)})
		}
		obs.DroppedTotal.WithLabelValues(reason).Inc()
		return
	}
	obs.Debug("encode.ok", obs.Fields{"key": key, "len": len(pkt)})
	obs.EncodedTotal.WithLabelValues(key).Inc()
	e.out.Enqueue(pkt)
}
