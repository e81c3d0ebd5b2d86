package bridge

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matst80/busbridge/internal/bus"
	"github.com/matst80/busbridge/internal/proto"
	"github.com/matst80/busbridge/internal/whitelist"
)

const arriveStop = `{"vehicleNo":"B12345","lineNo":"M101","timestamp":1700000000,"stopNo":17,"stopSeq":4,"upstream":0}`

type chanSource struct {
	events chan [2]string
}

func (c *chanSource) Subscribe(ctx context.Context, topic string, h bus.Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.events:
			h(ev[0], []byte(ev[1]))
		}
	}
}

func newBridge(t *testing.T, list string, src EventSource) (*Bridge, string) {
	t.Helper()
	p := filepath.Join(t.TempDir(), "whitelist.txt")
	require.NoError(t, os.WriteFile(p, []byte(list), 0o644))
	b, err := New(Config{
		ExternalAddr:    "127.0.0.1:0",
		InternalAddr:    "127.0.0.1:0",
		Topic:           "telemetry",
		RefreshInterval: time.Hour,
	}, whitelist.FileSource{Path: p}, src)
	require.NoError(t, err)
	b.Start(context.Background())
	t.Cleanup(func() { _ = b.Close() })
	return b, p
}

func dialClient(t *testing.T, b *Bridge) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", b.ExternalAddr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.Eventually(t, func() bool { return b.Stats().Clients == 1 }, time.Second, 5*time.Millisecond)
	return c
}

func readFrame(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, n)
	_, err := io.ReadFull(c, buf)
	require.NoError(t, err)
	return buf
}

func TestBusEventReachesClient(t *testing.T) {
	src := &chanSource{events: make(chan [2]string, 4)}
	b, _ := newBridge(t, "127.0.0.1\n", src)
	c := dialClient(t, b)

	src.events <- [2]string{"ArriveStop", arriveStop}
	frame := readFrame(t, c, proto.PackLen(proto.MsgArriveStop))
	res := proto.ParseFrame(frame)
	require.Equal(t, proto.StatusOK, res.Status)
	assert.Equal(t, proto.MsgArriveStop, res.Header.MsgID)
	assert.Zero(t, res.Header.Sequence)
}

func TestDeviceUplinkRelayed(t *testing.T) {
	b, _ := newBridge(t, "127.0.0.1\n", nil)
	c := dialClient(t, b)

	body := &proto.LeaveStation{}
	copy(body.VehicleNo[:], "B777")
	body.StationNo = 9
	frame, err := proto.Encode(proto.Header{Sequence: 42, SendRole: proto.RoleDevice, SendAddr: 7}, body)
	require.NoError(t, err)

	bad := &proto.ArriveStop{}
	copy(bad.VehicleNo[:], "B777")
	bad.StopNo = 1
	bad.Upstream = 5
	badFrame, err := proto.Encode(proto.Header{SendRole: proto.RoleDevice}, bad)
	require.NoError(t, err)

	dev, err := net.Dial("tcp", b.InternalAddr().String())
	require.NoError(t, err)
	defer dev.Close()
	// invalid first, then the valid frame split across two writes
	_, err = dev.Write(badFrame)
	require.NoError(t, err)
	_, err = dev.Write(frame[:7])
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = dev.Write(frame[7:])
	require.NoError(t, err)

	got := readFrame(t, c, len(frame))
	assert.Equal(t, frame, got)
	assert.Equal(t, 1, b.Stats().Devices)
}

func TestUnlistedClientRejected(t *testing.T) {
	b, _ := newBridge(t, "10.9.9.9\n", nil)
	c, err := net.Dial("tcp", b.ExternalAddr().String())
	require.NoError(t, err)
	defer c.Close()
	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	_, err = c.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Zero(t, b.Stats().Clients)
}

func TestRefreshEvictsClient(t *testing.T) {
	b, path := newBridge(t, "127.0.0.1\n", nil)
	c := dialClient(t, b)

	require.NoError(t, os.WriteFile(path, []byte("# emptied\n"), 0o644))
	b.Refresh()

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := c.Read(make([]byte, 1))
	assert.Error(t, err)
	require.Eventually(t, func() bool { return b.Stats().Clients == 0 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, b.Stats().Whitelist)
}

func TestCloseDeliversQueuedPackets(t *testing.T) {
	b, _ := newBridge(t, "127.0.0.1\n", nil)
	c := dialClient(t, b)

	for i := 0; i < 200; i++ {
		b.queue.Enqueue([]byte{0x7E, 0x7E, 0x00, byte(i)})
	}
	require.NoError(t, b.Close())

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Len(t, got, 800)
}

func TestCloseIsIdempotent(t *testing.T) {
	b, _ := newBridge(t, "127.0.0.1\n", &chanSource{events: make(chan [2]string)})
	done := make(chan struct{})
	go func() { defer close(done); _ = b.Close(); _ = b.Close() }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close hung")
	}
}
