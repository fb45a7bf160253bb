// Package u2f issues U2F sign and register requests over the session
// transport and hands each caller the matching response.
package u2f

import (
	"context"
	"strings"

	"github.com/danmuck/u2fbridge/internal/bridge"
	"github.com/danmuck/u2fbridge/internal/embed"
	"github.com/danmuck/u2fbridge/internal/observability"
	"github.com/danmuck/u2fbridge/internal/protocol"
	"github.com/danmuck/u2fbridge/internal/session"
	"github.com/danmuck/u2fbridge/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultTimeoutSeconds is sent when the caller supplies no timeout.
const DefaultTimeoutSeconds = 30

// Callback receives the remote responseData, or a local error when no
// response can be produced.
type Callback = session.Callback

// ClientConfig wires the client to its transports. An empty native address
// disables the native bridge; an empty fallback URL disables the websocket
// embedder.
type ClientConfig struct {
	Session               session.Config
	DefaultTimeoutSeconds int
	Native                bridge.SocketConfig
	Fallback              embed.WebsocketConfig
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Session:               session.DefaultConfig(),
		DefaultTimeoutSeconds: DefaultTimeoutSeconds,
		Native:                bridge.DefaultSocketConfig(),
		Fallback:              embed.DefaultWebsocketConfig(),
	}
}

// Option overrides a collaborator built from ClientConfig.
type Option func(*options)

type options struct {
	runtime     bridge.Runtime
	runtimeSet  bool
	embedder    embed.Embedder
	embedderSet bool
	fallback    session.Fallback
}

// WithRuntime replaces the socket runtime. A nil runtime disables the native
// bridge.
func WithRuntime(rt bridge.Runtime) Option {
	return func(o *options) {
		o.runtime = rt
		o.runtimeSet = true
	}
}

// WithEmbedder replaces the websocket embedder used by the fallback negotiator.
func WithEmbedder(e embed.Embedder) Option {
	return func(o *options) {
		o.embedder = e
		o.embedderSet = true
	}
}

// WithFallback replaces the fallback negotiator entirely.
func WithFallback(f session.Fallback) Option {
	return func(o *options) {
		o.fallback = f
	}
}

// Client is one page session: a single discovered transport shared by every
// request, plus the table correlating responses to callers.
type Client struct {
	id             string
	defaultTimeout int
	coordinator    *session.Coordinator
	table          *session.Table
}

func NewClient(cfg ClientConfig, opts ...Option) *Client {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	sessionCfg := cfg.Session.WithDefaults()

	rt := o.runtime
	if !o.runtimeSet && strings.TrimSpace(cfg.Native.Addr) != "" {
		rt = bridge.NewSocketRuntime(cfg.Native)
	}
	embedder := o.embedder
	if !o.embedderSet && strings.TrimSpace(cfg.Fallback.BaseURL) != "" {
		embedder = embed.NewWebsocketEmbedder(cfg.Fallback)
	}
	fallback := o.fallback
	if fallback == nil {
		fallback = session.NewNegotiator(sessionCfg, embedder)
	}

	defaultTimeout := cfg.DefaultTimeoutSeconds
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeoutSeconds
	}
	table := session.NewTable()
	c := &Client{
		id:             uuid.NewString(),
		defaultTimeout: defaultTimeout,
		coordinator:    session.NewCoordinator(sessionCfg, rt, fallback, table),
		table:          table,
	}
	log.Debug().
		Str("session_id", c.id).
		Str("extension_id", sessionCfg.ExtensionID).
		Bool("native", rt != nil).
		Bool("fallback", embedder != nil || o.fallback != nil).
		Msg("u2f client created")
	return c
}

// SessionID identifies this client in logs.
func (c *Client) SessionID() string {
	return c.id
}

// JSAPIVersion is the U2F JavaScript API version this client speaks.
func (c *Client) JSAPIVersion() int {
	return protocol.JSAPIVersion
}

// Sign sends one u2f_sign_request. cb runs exactly once.
func (c *Client) Sign(reqs []protocol.SignRequest, cb Callback, timeoutSeconds ...int) {
	c.send(protocol.MessageSignRequest, reqs, nil, cb, timeoutSeconds)
}

// Register sends one u2f_register_request carrying both the registration
// and the sign requests for already registered keys.
func (c *Client) Register(regs []protocol.RegisterRequest, signs []protocol.SignRequest, cb Callback, timeoutSeconds ...int) {
	if regs == nil {
		regs = []protocol.RegisterRequest{}
	}
	c.send(protocol.MessageRegisterRequest, signs, regs, cb, timeoutSeconds)
}

// SignContext is Sign for callers that want to block. Abandoning ctx does not
// retract the request; its entry stays until the response arrives.
func (c *Client) SignContext(ctx context.Context, reqs []protocol.SignRequest, timeoutSeconds ...int) (protocol.ResponseData, error) {
	return wait(ctx, func(cb Callback) { c.Sign(reqs, cb, timeoutSeconds...) })
}

func (c *Client) RegisterContext(ctx context.Context, regs []protocol.RegisterRequest, signs []protocol.SignRequest, timeoutSeconds ...int) (protocol.ResponseData, error) {
	return wait(ctx, func(cb Callback) { c.Register(regs, signs, cb, timeoutSeconds...) })
}

// Connect runs discovery without sending a request.
func (c *Client) Connect(ctx context.Context) (transport.Kind, error) {
	t, err := c.coordinator.Transport(ctx)
	if err != nil {
		return "", err
	}
	return t.Kind(), nil
}

// TransportKind reports the discovered transport, or "" before discovery.
func (c *Client) TransportKind() transport.Kind {
	t := c.coordinator.Current()
	if t == nil {
		return ""
	}
	return t.Kind()
}

// Pending reports requests still awaiting a response.
func (c *Client) Pending() int {
	return c.table.Pending()
}

// Disconnect closes the transport and fails every pending request with
// OTHER_ERROR. The next request rediscovers.
func (c *Client) Disconnect() error {
	log.Info().Str("session_id", c.id).Msg("u2f client disconnect")
	return c.coordinator.Disconnect()
}

func (c *Client) send(
	msgType protocol.MessageType,
	signs []protocol.SignRequest,
	regs []protocol.RegisterRequest,
	cb Callback,
	timeoutSeconds []int,
) {
	timeout := c.defaultTimeout
	if len(timeoutSeconds) > 0 {
		timeout = timeoutSeconds[0]
	}
	if signs == nil {
		signs = []protocol.SignRequest{}
	}

	c.coordinator.GetTransport(func(t transport.Transport, err error) {
		if err != nil {
			log.Warn().Err(err).Str("session_id", c.id).Str("type", string(msgType)).Msg("no transport for request")
			cb(nil, err)
			return
		}
		id := c.table.Allocate(cb)
		env := protocol.RequestEnvelope{
			Type:             msgType,
			RequestID:        id,
			SignRequests:     signs,
			RegisterRequests: regs,
			TimeoutSeconds:   timeout,
		}
		observability.RecordRequest(string(msgType))
		log.Debug().
			Str("session_id", c.id).
			Uint64("request_id", id).
			Str("type", string(msgType)).
			Str("transport", string(t.Kind())).
			Msg("u2f request sent")
		if err := t.Send(env); err != nil {
			log.Error().Err(err).Uint64("request_id", id).Msg("u2f request send failed")
			c.table.Fail(id, protocol.NewErrorRecord(protocol.OtherError, err.Error()))
		}
	})
}

func wait(ctx context.Context, issue func(Callback)) (protocol.ResponseData, error) {
	type result struct {
		data protocol.ResponseData
		err  error
	}
	done := make(chan result, 1)
	issue(func(data protocol.ResponseData, err error) {
		done <- result{data: data, err: err}
	})
	select {
	case r := <-done:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
