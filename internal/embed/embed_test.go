package embed_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/danmuck/u2fbridge/internal/embed"
	"github.com/danmuck/u2fbridge/internal/testutil/handlertest"
	"github.com/danmuck/u2fbridge/internal/testutil/testlog"
	"github.com/danmuck/u2fbridge/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const extID = "kmendfapggjehodndflmmgagdbamhnfd"

func TestFrameSourceAndOrigin(t *testing.T) {
	testlog.Start(t)
	src := embed.CommsFrameSource(extID)
	assert.Equal(t, "chrome-extension://"+extID+"/u2f-comms.html", src)

	f := embed.HiddenFrame(src)
	assert.Equal(t, embed.HiddenStyle, f.Style)

	origin, err := f.Origin()
	require.NoError(t, err)
	assert.Equal(t, embed.ExtensionOrigin(extID), origin)

	_, err = embed.HiddenFrame("/relative/only").Origin()
	assert.ErrorIs(t, err, embed.ErrInvalidFrameSource)
}

func TestLocalEmbedderDeliversPortAfterInit(t *testing.T) {
	testlog.Start(t)
	e := embed.NewLocalEmbedder()
	handler := handlertest.New()
	handler.ServeLocal(e, extID)

	page, remote := transport.NewMessageChannel()
	inbound := make(chan json.RawMessage, 4)
	page.AddListener(func(ev transport.MessageEvent) { inbound <- ev.Data })
	page.Start()

	loaded := make(chan embed.Window, 1)
	_, err := e.Embed(context.Background(), embed.HiddenFrame(embed.CommsFrameSource(extID)), func(w embed.Window) {
		loaded <- w
	})
	require.NoError(t, err)

	var w embed.Window
	select {
	case w = <-loaded:
	case <-time.After(time.Second):
		t.Fatal("frame never loaded")
	}
	err = w.PostMessage(embed.InitSignal, "chrome-extension://other", remote)
	assert.ErrorIs(t, err, embed.ErrOriginMismatch)
	require.NoError(t, w.PostMessage(embed.InitSignal, embed.ExtensionOrigin(extID), remote))

	select {
	case raw := <-inbound:
		assert.JSONEq(t, `"ready"`, string(raw))
	case <-time.After(time.Second):
		t.Fatal("page never signalled ready")
	}
	assert.Len(t, e.Frames(), 1)
}

func TestLocalEmbedderUnknownSourceNeverLoads(t *testing.T) {
	testlog.Start(t)
	e := embed.NewLocalEmbedder()
	loaded := make(chan struct{}, 1)
	h, err := e.Embed(context.Background(), embed.HiddenFrame(embed.CommsFrameSource("nobody")), func(embed.Window) {
		loaded <- struct{}{}
	})
	require.NoError(t, err)
	defer h.Remove()

	select {
	case <-loaded:
		t.Fatal("frame without a page must not load")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalEmbedderRemoveBeforeLoad(t *testing.T) {
	testlog.Start(t)
	e := embed.NewLocalEmbedder()
	e.LoadDelay = 50 * time.Millisecond
	handlertest.New().ServeLocal(e, extID)

	loaded := make(chan struct{}, 1)
	h, err := e.Embed(context.Background(), embed.HiddenFrame(embed.CommsFrameSource(extID)), func(embed.Window) {
		loaded <- struct{}{}
	})
	require.NoError(t, err)
	require.NoError(t, h.Remove())

	select {
	case <-loaded:
		t.Fatal("removed frame loaded")
	case <-time.After(120 * time.Millisecond):
	}
}

func TestWebsocketEndpointFor(t *testing.T) {
	testlog.Start(t)
	f := embed.HiddenFrame(embed.CommsFrameSource(extID))

	cases := []struct {
		base string
		want string
	}{
		{"http://127.0.0.1:7400", "ws://127.0.0.1:7400/u2f-comms.html"},
		{"https://bridge.local/", "wss://bridge.local/u2f-comms.html"},
		{"ws://127.0.0.1:7400/ext", "ws://127.0.0.1:7400/ext/u2f-comms.html"},
	}
	for _, tc := range cases {
		e := embed.NewWebsocketEmbedder(embed.WebsocketConfig{BaseURL: tc.base})
		got, err := e.EndpointFor(f)
		require.NoError(t, err, tc.base)
		assert.Equal(t, tc.want, got)
	}

	_, err := embed.NewWebsocketEmbedder(embed.WebsocketConfig{}).EndpointFor(f)
	assert.ErrorIs(t, err, embed.ErrInvalidFrameSource)
}

func TestWebsocketEmbedderPipesChannel(t *testing.T) {
	testlog.Start(t)
	handler := handlertest.New()
	srv := handler.ServeWebsocket(t)
	e := embed.NewWebsocketEmbedder(embed.WebsocketConfig{BaseURL: srv.URL})

	page, remote := transport.NewMessageChannel()
	inbound := make(chan json.RawMessage, 4)
	page.AddListener(func(ev transport.MessageEvent) { inbound <- ev.Data })
	page.Start()

	loaded := make(chan embed.Window, 1)
	h, err := e.Embed(context.Background(), embed.HiddenFrame(embed.CommsFrameSource(extID)), func(w embed.Window) {
		loaded <- w
	})
	require.NoError(t, err)
	defer h.Remove()

	var w embed.Window
	select {
	case w = <-loaded:
	case <-time.After(2 * time.Second):
		t.Fatal("websocket frame never loaded")
	}
	require.NoError(t, w.PostMessage(embed.InitSignal, embed.ExtensionOrigin(extID), remote))

	select {
	case raw := <-inbound:
		assert.JSONEq(t, `"ready"`, string(raw))
	case <-time.After(2 * time.Second):
		t.Fatal("no ready over websocket")
	}

	require.NoError(t, page.PostMessage(map[string]any{
		"type":         "u2f_sign_request",
		"requestId":    4,
		"signRequests": []any{},
	}))
	select {
	case raw := <-inbound:
		assert.Contains(t, string(raw), `"requestId":4`)
	case <-time.After(2 * time.Second):
		t.Fatal("no response over websocket")
	}

	require.NoError(t, h.Remove())
	assert.ErrorIs(t, w.PostMessage(embed.InitSignal, "*", nil), embed.ErrFrameRemoved)
}
