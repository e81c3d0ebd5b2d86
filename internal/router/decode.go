package router

import (
	"github.com/matst80/busbridge/internal/obs"
	"github.com/matst80/busbridge/internal/proto"
	"github.com/matst80/busbridge/internal/push"
)

// Relay revalidates frames uploaded by devices and forwards the valid ones
// unchanged to the broadcast path.
type Relay struct {
	out Enqueuer
}

func NewRelay(out Enqueuer) *Relay {
	return &Relay{out: out}
}

// OnInboundFrame handles the bytes buffered for one device connection.
// It returns the number of bytes consumed and the parse status: StatusContinue
// asks the caller to wait for more data, StatusError asks it to reset the
// connection. A frame that parses but fails revalidation is consumed and
// dropped without affecting the connection.
func (r *Relay) OnInboundFrame(session string, buf []byte) (int, proto.Status) {
	res := proto.ParseFrame(buf)
	switch res.Status {
	case proto.StatusContinue:
		return 0, proto.StatusContinue
	case proto.StatusError:
		obs.Warn("relay.malformed", obs.Fields{"session": session, "len": len(buf), "err": errString(res.Err)})
		obs.DroppedTotal.WithLabelValues("malformed").Inc()
		return 0, proto.StatusError
	}

	id := res.Header.MsgID
	obs.Debug("relay.frame", obs.Fields{
		"session": session, "msg": id.String(), "len": res.Header.Length, "seq": res.Header.Sequence,
		"recv_role": res.Header.RecvRole, "send_role": res.Header.SendRole,
		"recv_addr": res.Header.RecvAddr, "send_addr": res.Header.SendAddr,
	})
	if proto.BodyLen(id) <= 0 {
		obs.Warn("relay.unknown_msg", obs.Fields{"session": session, "msg": id.String(), "len": res.Header.Length})
		obs.DroppedTotal.WithLabelValues("unknown_msg").Inc()
		return res.Consumed, proto.StatusOK
	}
	// The decoded body is discarded; decoding only proves the frame is sound
	// before it is relayed byte for byte.
	if _, err := proto.DecodeBody(id, res.Body); err != nil {
		obs.Error("relay.invalid_body", obs.Fields{"session": session, "msg": id.String(), "err": err.Error()})
		obs.DroppedTotal.WithLabelValues("invalid_body").Inc()
		return res.Consumed, proto.StatusOK
	}
	pkt := make(push.Packet, res.Consumed)
	copy(pkt, buf[:res.Consumed])
	r.out.Enqueue(pkt)
	obs.RelayedTotal.WithLabelValues(id.String()).Inc()
	return res.Consumed, proto.StatusOK
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
