package u2f

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/u2fbridge/internal/bridge"
	"github.com/danmuck/u2fbridge/internal/embed"
	"github.com/danmuck/u2fbridge/internal/protocol"
	"github.com/danmuck/u2fbridge/internal/testutil/handlertest"
	"github.com/danmuck/u2fbridge/internal/testutil/testlog"
	"github.com/danmuck/u2fbridge/internal/transport"
)

type fallbackFunc func(cb func(transport.Transport, error))

func (f fallbackFunc) Negotiate(cb func(transport.Transport, error)) { f(cb) }

func fallbackClient(t *testing.T, handler *handlertest.Handler) *Client {
	t.Helper()
	cfg := DefaultClientConfig()
	embedder := embed.NewLocalEmbedder()
	handler.ServeLocal(embedder, cfg.Session.ExtensionID)
	c := NewClient(cfg, WithRuntime(nil), WithEmbedder(embedder))
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSignAfterNativeProbeFailsUsesFallback(t *testing.T) {
	testlog.Start(t)
	handler := handlertest.New()
	handler.RejectProbe = true
	cfg := DefaultClientConfig()
	cfg.Native = handler.ServeNative(t)
	embedder := embed.NewLocalEmbedder()
	handler.ServeLocal(embedder, cfg.Session.ExtensionID)
	c := NewClient(cfg, WithEmbedder(embedder))
	defer c.Disconnect()

	req := protocol.SignRequest{
		Version:   "U2F_V2",
		Challenge: "challenge-1",
		KeyHandle: "kh-1",
		AppID:     "https://example.com",
	}
	data, err := c.SignContext(testContext(t), []protocol.SignRequest{req})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	resp, err := data.SignResponse()
	if err != nil {
		t.Fatalf("decode sign response: %v", err)
	}
	if resp.KeyHandle != "kh-1" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if c.TransportKind() != transport.KindChannel {
		t.Fatalf("unexpected transport %q", c.TransportKind())
	}

	reqs := handler.Requests()
	if len(reqs) != 1 {
		t.Fatalf("requests=%d want 1", len(reqs))
	}
	got := reqs[0]
	if got.Type != protocol.MessageSignRequest || got.RequestID != 1 || got.TimeoutSeconds != DefaultTimeoutSeconds {
		t.Fatalf("unexpected envelope %+v", got)
	}
	if len(got.SignRequests) != 1 || got.SignRequests[0] != req {
		t.Fatalf("sign requests not forwarded verbatim: %+v", got.SignRequests)
	}
	if handler.Probes() != 1 {
		t.Fatalf("probes=%d want 1", handler.Probes())
	}
}

func TestSignOverNativeBridge(t *testing.T) {
	testlog.Start(t)
	handler := handlertest.New()
	cfg := DefaultClientConfig()
	cfg.Native = handler.ServeNative(t)
	c := NewClient(cfg, WithFallback(fallbackFunc(func(cb func(transport.Transport, error)) {
		t.Errorf("fallback used although native bridge answered")
		cb(nil, errors.New("unexpected fallback"))
	})))
	defer c.Disconnect()

	data, err := c.SignContext(testContext(t), []protocol.SignRequest{{KeyHandle: "native"}}, 12)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if data.Err() != nil {
		t.Fatalf("unexpected remote error %v", data.Err())
	}
	if c.TransportKind() != transport.KindNative {
		t.Fatalf("unexpected transport %q", c.TransportKind())
	}
	if got := handler.Requests()[0].TimeoutSeconds; got != 12 {
		t.Fatalf("timeout=%d want 12", got)
	}
}

func TestRegisterEnvelope(t *testing.T) {
	testlog.Start(t)
	handler := handlertest.New()
	c := fallbackClient(t, handler)

	regs := []protocol.RegisterRequest{{Version: "U2F_V2", Challenge: "reg", AppID: "https://example.com"}}
	signs := []protocol.SignRequest{{Version: "U2F_V2", KeyHandle: "existing"}}
	data, err := c.RegisterContext(testContext(t), regs, signs, 5)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	resp, err := data.RegisterResponse()
	if err != nil || resp.RegistrationData == "" {
		t.Fatalf("unexpected register response %+v err=%v", resp, err)
	}

	got := handler.Requests()[0]
	if got.Type != protocol.MessageRegisterRequest || got.TimeoutSeconds != 5 {
		t.Fatalf("unexpected envelope %+v", got)
	}
	if len(got.RegisterRequests) != 1 || len(got.SignRequests) != 1 {
		t.Fatalf("payload not forwarded: %+v", got)
	}
}

func TestRemoteErrorIsPassedThrough(t *testing.T) {
	testlog.Start(t)
	handler := handlertest.New()
	handler.Respond(handlertest.Fail(protocol.DeviceIneligible, "no matching key"))
	c := fallbackClient(t, handler)

	data, err := c.SignContext(testContext(t), []protocol.SignRequest{{KeyHandle: "unknown"}})
	if err != nil {
		t.Fatalf("remote error must arrive as data, got local error %v", err)
	}
	rec := data.Err()
	if rec == nil || rec.Code != protocol.DeviceIneligible || rec.Message != "no matching key" {
		t.Fatalf("unexpected error record %+v", rec)
	}
	if _, err := data.SignResponse(); !errors.Is(err, protocol.NewErrorRecord(protocol.DeviceIneligible, "")) {
		t.Fatalf("SignResponse should surface the record, got %v", err)
	}
}

func TestConcurrentRequestsGetTheirOwnResponses(t *testing.T) {
	testlog.Start(t)
	handler := handlertest.New()
	c := fallbackClient(t, handler)
	ctx := testContext(t)

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			kh := fmt.Sprintf("kh-%d", i)
			data, err := c.SignContext(ctx, []protocol.SignRequest{{KeyHandle: kh}})
			if err != nil {
				errs <- err
				return
			}
			resp, err := data.SignResponse()
			if err != nil {
				errs <- err
				return
			}
			if resp.KeyHandle != kh {
				errs <- fmt.Errorf("caller %s received %s", kh, resp.KeyHandle)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent sign: %v", err)
	}

	ids := make([]int, 0, n)
	for _, req := range handler.Requests() {
		ids = append(ids, int(req.RequestID))
	}
	sort.Ints(ids)
	for i, id := range ids {
		if id != i+1 {
			t.Fatalf("request ids not unique 1..%d: %v", n, ids)
		}
	}
}

func TestDiscoveryFailureReachesCallback(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultClientConfig()
	cfg.Session.ReadyTimeout = 20 * time.Millisecond
	c := NewClient(cfg, WithRuntime(nil), WithEmbedder(embed.NewLocalEmbedder()))

	_, err := c.SignContext(testContext(t), []protocol.SignRequest{{KeyHandle: "kh"}})
	rec, ok := protocol.AsErrorRecord(err)
	if !ok || rec.Code != protocol.IframeNotSupported {
		t.Fatalf("expected IFRAME_NOT_SUPPORTED, got %v", err)
	}
	if c.Pending() != 0 {
		t.Fatalf("failed discovery allocated a request: pending=%d", c.Pending())
	}
}

func TestSendFailureResolvesWithOtherError(t *testing.T) {
	testlog.Start(t)
	mock := transport.NewMockTransport(transport.WithSendError(transport.ErrClosed))
	c := NewClient(DefaultClientConfig(), WithRuntime(nil), WithFallback(fallbackFunc(func(cb func(transport.Transport, error)) {
		cb(mock, nil)
	})))

	results := make(chan error, 2)
	c.Sign([]protocol.SignRequest{{KeyHandle: "kh"}}, func(_ protocol.ResponseData, err error) {
		results <- err
	})
	select {
	case err := <-results:
		if protocol.CodeOf(err) != protocol.OtherError {
			t.Fatalf("expected OTHER_ERROR, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("send failure never resolved the callback")
	}
	if c.Pending() != 0 {
		t.Fatalf("failed send left pending=%d", c.Pending())
	}
}

func TestDisconnectFailsPendingAndIDsContinue(t *testing.T) {
	testlog.Start(t)
	handler := handlertest.New()
	handler.Respond(handlertest.Silent)
	c := fallbackClient(t, handler)

	failed := make(chan error, 1)
	c.Sign([]protocol.SignRequest{{KeyHandle: "kh"}}, func(_ protocol.ResponseData, err error) {
		failed <- err
	})
	deadline := time.Now().Add(2 * time.Second)
	for c.Pending() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	select {
	case err := <-failed:
		rec, ok := protocol.AsErrorRecord(err)
		if !ok || rec.Code != protocol.OtherError || rec.Message != "transport disconnected" {
			t.Fatalf("unexpected failure %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pending request not failed on disconnect")
	}
	if c.TransportKind() != "" {
		t.Fatalf("transport still cached after disconnect")
	}

	handler.Respond(handlertest.Echo)
	if _, err := c.SignContext(testContext(t), []protocol.SignRequest{{KeyHandle: "again"}}); err != nil {
		t.Fatalf("sign after rediscovery: %v", err)
	}
	reqs := handler.Requests()
	if last := reqs[len(reqs)-1].RequestID; last != 2 {
		t.Fatalf("request id reused after disconnect: %d", last)
	}
}

func TestSignContextAbandonsOnCancel(t *testing.T) {
	testlog.Start(t)
	handler := handlertest.New()
	handler.Respond(handlertest.Silent)
	c := fallbackClient(t, handler)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := c.SignContext(ctx, []protocol.SignRequest{{KeyHandle: "kh"}}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if c.Pending() != 1 {
		t.Fatalf("abandoned entry should stay pending, got %d", c.Pending())
	}
}

func TestClientMetadata(t *testing.T) {
	testlog.Start(t)
	c := NewClient(DefaultClientConfig(), WithRuntime(nil))
	if c.JSAPIVersion() != 1 {
		t.Fatalf("js api version=%d want 1", c.JSAPIVersion())
	}
	if c.SessionID() == "" {
		t.Fatalf("missing session id")
	}
	if c.TransportKind() != "" {
		t.Fatalf("transport discovered eagerly")
	}
	if bridge.DefaultExtensionID != DefaultClientConfig().Session.ExtensionID {
		t.Fatalf("default extension id mismatch")
	}
}

func TestRegisterWithoutRegistrationsStillSendsField(t *testing.T) {
	testlog.Start(t)
	mock := transport.NewMockTransport()
	c := NewClient(DefaultClientConfig(), WithRuntime(nil), WithFallback(fallbackFunc(func(cb func(transport.Transport, error)) {
		cb(mock, nil)
	})))

	c.Register(nil, []protocol.SignRequest{{KeyHandle: "existing"}}, func(protocol.ResponseData, error) {})
	deadline := time.Now().Add(2 * time.Second)
	for len(mock.Sent()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(mock.Sent()) == 0 {
		t.Fatalf("register never sent")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(mock.Sent()[0], &fields); err != nil {
		t.Fatalf("decode sent envelope: %v", err)
	}
	if got := string(fields["registerRequests"]); got != "[]" {
		t.Fatalf("registerRequests=%q want []", got)
	}
	if got := string(fields["type"]); got != `"u2f_register_request"` {
		t.Fatalf("type=%s", got)
	}
}
