// Command szmonitor watches the bridge's external port and prints every
// frame it receives as a JSON line. With -publish it instead injects a single
// telemetry event into the Redis stream the bridge consumes.
package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/matst80/busbridge/internal/bus"
	"github.com/matst80/busbridge/internal/obs"
	"github.com/matst80/busbridge/internal/proto"
	"github.com/matst80/busbridge/internal/router"
)

func main() {
	flag.Parse()
	obs.EnableDebug(cfg.Debug)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.PublishKey != "" {
		if err := publish(ctx); err != nil {
			obs.Error("monitor.publish", obs.Fields{"err": err.Error()})
			os.Exit(1)
		}
		return
	}

	obs.Info("monitor.start", obs.Fields{"addr": cfg.Addr})
	out := json.NewEncoder(os.Stdout)
	for {
		if err := watch(ctx, cfg.Addr, out); err != nil {
			obs.Warn("monitor.disconnected", obs.Fields{"err": err.Error()})
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(cfg.Retry):
			obs.Info("monitor.reconnect", obs.Fields{"addr": cfg.Addr})
		}
	}
}

func publish(ctx context.Context) error {
	id, ok := router.MsgForKey(cfg.PublishKey)
	if !ok {
		return fmt.Errorf("%w: %s (want one of %s)", router.ErrUnknownKey, cfg.PublishKey, strings.Join(router.Keys(), ", "))
	}
	if _, err := proto.DecodeJSON(id, []byte(cfg.Payload)); err != nil {
		return err
	}
	rdb, err := bus.Dial(ctx, cfg.RedisAddr, "", 0)
	if err != nil {
		return err
	}
	defer rdb.Close()
	entry, err := bus.Publish(ctx, rdb, cfg.Topic, cfg.PublishKey, []byte(cfg.Payload))
	if err != nil {
		return err
	}
	obs.Info("monitor.published", obs.Fields{"id": entry, "key": cfg.PublishKey, "topic": cfg.Topic})
	return nil
}

// frameLine is one printed frame.
type frameLine struct {
	Time     string     `json:"time"`
	Msg      string     `json:"msg"`
	Sequence uint8      `json:"seq"`
	SendRole proto.Role `json:"send_role"`
	SendAddr uint32     `json:"send_addr"`
	Body     proto.Body `json:"body,omitempty"`
	Error    string     `json:"error,omitempty"`
	Hex      string     `json:"hex,omitempty"`
}

func watch(ctx context.Context, addr string, out *json.Encoder) error {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer c.Close()
	go func() { <-ctx.Done(); _ = c.Close() }()
	obs.Info("monitor.connected", obs.Fields{"addr": addr, "local": c.LocalAddr().String()})

	var pending []byte
	chunk := make([]byte, 4096)
	for {
		n, err := c.Read(chunk)
		if n > 0 {
			var skipped int
			pending, skipped = scan(append(pending, chunk[:n]...), func(frame []byte, res proto.ParseResult) {
				_ = out.Encode(describe(frame, res))
			})
			if skipped > 0 {
				obs.Warn("monitor.resync", obs.Fields{"skipped": skipped})
			}
		}
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

var startFlag = []byte{0x7E, 0x7E}

// scan emits every complete frame at the head of buf and returns what is
// left. Garbage before the next start flag is skipped and counted.
func scan(buf []byte, emit func([]byte, proto.ParseResult)) ([]byte, int) {
	skipped := 0
	for len(buf) > 0 {
		res := proto.ParseFrame(buf)
		switch res.Status {
		case proto.StatusOK:
			emit(buf[:res.Consumed], res)
			buf = buf[res.Consumed:]
		case proto.StatusContinue:
			return buf, skipped
		default:
			next := bytes.Index(buf[1:], startFlag)
			if next < 0 {
				// keep a trailing 0x7E, it may start the next frame
				drop := len(buf)
				if buf[len(buf)-1] == startFlag[0] {
					drop--
				}
				skipped += drop
				buf = buf[drop:]
				return buf, skipped
			}
			skipped += next + 1
			buf = buf[next+1:]
		}
	}
	return buf, skipped
}

func describe(frame []byte, res proto.ParseResult) frameLine {
	line := frameLine{
		Time:     time.Now().UTC().Format(time.RFC3339Nano),
		Msg:      res.Header.MsgID.String(),
		Sequence: res.Header.Sequence,
		SendRole: res.Header.SendRole,
		SendAddr: res.Header.SendAddr,
	}
	body, err := proto.DecodeBody(res.Header.MsgID, res.Body)
	if err != nil {
		line.Error = err.Error()
	} else {
		line.Body = body
	}
	if cfg.Raw {
		line.Hex = hex.EncodeToString(frame)
	}
	return line
}
