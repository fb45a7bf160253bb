package bridge_test

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/u2fbridge/internal/bridge"
	"github.com/danmuck/u2fbridge/internal/protocol"
	"github.com/danmuck/u2fbridge/internal/protocol/frame"
	"github.com/danmuck/u2fbridge/internal/testutil/handlertest"
	"github.com/danmuck/u2fbridge/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSocketRuntimeAvailability(t *testing.T) {
	testlog.Start(t)
	assert.False(t, bridge.NewSocketRuntime(bridge.SocketConfig{}).Available(), "empty addr")

	missing := bridge.NewSocketRuntime(bridge.SocketConfig{
		Network: "unix",
		Addr:    filepath.Join(t.TempDir(), "absent.sock"),
	})
	assert.False(t, missing.Available(), "missing unix socket")

	handler := handlertest.New()
	assert.True(t, bridge.NewSocketRuntime(handler.ServeNative(t)).Available())
}

func TestSocketRuntimeProbe(t *testing.T) {
	testlog.Start(t)
	handler := handlertest.New()
	rt := bridge.NewSocketRuntime(handler.ServeNative(t))
	ctx := context.Background()

	require.NoError(t, rt.SendMessage(ctx, bridge.DefaultExtensionID, protocol.NewProbeMessage()))
	assert.Equal(t, 1, handler.Probes())

	hellos := handler.Hellos()
	require.Len(t, hellos, 1)
	assert.Equal(t, bridge.HelloMessage, hellos[0].Type)
	assert.Equal(t, bridge.DefaultExtensionID, hellos[0].ExtensionID)

	err := rt.SendMessage(ctx, "", protocol.NewProbeMessage())
	assert.ErrorIs(t, err, bridge.ErrExtensionRequired)
}

func TestSocketRuntimeProbeRejected(t *testing.T) {
	testlog.Start(t)
	handler := handlertest.New()
	handler.RejectProbe = true
	rt := bridge.NewSocketRuntime(handler.ServeNative(t))

	err := rt.SendMessage(context.Background(), bridge.DefaultExtensionID, protocol.NewProbeMessage())
	require.Error(t, err)
	assert.ErrorIs(t, err, bridge.ErrProbeRejected)
}

func TestSocketRuntimeUnavailable(t *testing.T) {
	testlog.Start(t)
	rt := bridge.NewSocketRuntime(bridge.SocketConfig{Network: "tcp", Addr: ""})
	err := rt.SendMessage(context.Background(), bridge.DefaultExtensionID, protocol.NewProbeMessage())
	assert.ErrorIs(t, err, bridge.ErrUnavailable)

	_, err = rt.Connect(context.Background(), bridge.DefaultExtensionID, bridge.ConnectInfo{})
	assert.ErrorIs(t, err, bridge.ErrUnavailable)
}

func TestSocketRuntimeConnectStreamsFrames(t *testing.T) {
	testlog.Start(t)
	handler := handlertest.New()
	rt := bridge.NewSocketRuntime(handler.ServeNative(t))

	port, err := rt.Connect(context.Background(), bridge.DefaultExtensionID, bridge.ConnectInfo{IncludeTLSChannelID: true})
	require.NoError(t, err)

	inbound := make(chan json.RawMessage, 1)
	port.AddMessageListener(func(raw json.RawMessage) { inbound <- raw })
	require.NoError(t, port.PostMessage(protocol.RequestEnvelope{
		Type:           protocol.MessageSignRequest,
		RequestID:      11,
		SignRequests:   []protocol.SignRequest{{KeyHandle: "kh"}},
		TimeoutSeconds: 30,
	}))

	select {
	case raw := <-inbound:
		resp, err := protocol.DecodeResponse(raw)
		require.NoError(t, err)
		assert.Equal(t, uint64(11), resp.RequestID)
		assert.Equal(t, protocol.MessageSignResponse, resp.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame from native host")
	}

	hellos := handler.Hellos()
	require.Len(t, hellos, 1)
	assert.Equal(t, bridge.HelloConnect, hellos[0].Type)
	assert.True(t, hellos[0].IncludeTLSChannelID)

	port.AddDisconnectListener(func(err error) {
		t.Errorf("local disconnect reported as lost: %v", err)
	})
	require.NoError(t, port.Disconnect())
	assert.ErrorIs(t, port.PostMessage(map[string]string{"late": "x"}), bridge.ErrPortClosed)
	time.Sleep(20 * time.Millisecond)
}

func TestSocketPortReportsHostHangup(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	hangup := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		var hello bridge.Hello
		_ = frame.ReadJSON(conn, &hello, frame.DefaultLimits())
		<-hangup
		_ = conn.Close()
	}()

	rt := bridge.NewSocketRuntime(bridge.SocketConfig{Network: "tcp", Addr: ln.Addr().String()})
	port, err := rt.Connect(context.Background(), "ext-id", bridge.ConnectInfo{})
	require.NoError(t, err)

	lost := make(chan error, 1)
	port.AddDisconnectListener(func(err error) { lost <- err })
	close(hangup)

	select {
	case err := <-lost:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("host hangup not reported")
	}
	assert.ErrorIs(t, port.PostMessage(map[string]string{"late": "x"}), bridge.ErrPortClosed)

	again := make(chan error, 1)
	port.AddDisconnectListener(func(err error) { again <- err })
	select {
	case <-again:
	default:
		t.Fatal("listener added after the loss was not told")
	}
}

func TestSocketRuntimeOverTCP(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	got := make(chan bridge.Hello, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var hello bridge.Hello
		if err := frame.ReadJSON(conn, &hello, frame.DefaultLimits()); err != nil {
			return
		}
		got <- hello
		if _, err := frame.ReadFrame(conn, frame.DefaultLimits()); err != nil {
			return
		}
		_ = frame.WriteJSON(conn, map[string]string{}, frame.DefaultLimits())
	}()

	rt := bridge.NewSocketRuntime(bridge.SocketConfig{Network: "tcp", Addr: ln.Addr().String()})
	require.True(t, rt.Available())
	require.NoError(t, rt.SendMessage(context.Background(), "ext-id", protocol.NewProbeMessage()))
	hello := <-got
	assert.Equal(t, "ext-id", hello.ExtensionID)
}

func TestSocketConfigDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := bridge.SocketConfig{Addr: "/tmp/x.sock"}.WithDefaults()
	assert.Equal(t, "unix", cfg.Network)
	assert.Equal(t, 2*time.Second, cfg.DialTimeout)
	assert.Equal(t, 5*time.Second, cfg.ReplyTimeout)
	assert.Equal(t, frame.DefaultLimits(), cfg.Limits)
}
