// Package transport provides the messaging abstraction between a u2f client
// and the key handler.
//
// # Transport Implementations
//
// Two transports are available:
//
//   - Native: a persistent native bridge port addressed by extension id.
//     Inbound payloads are raw JSON and are wrapped into a [MessageEvent].
//
//   - Channel: one end of an in-process [MessageChannel] whose other end has
//     been handed to an embedded handler context. Used as fallback.
//
// Both expose the same capability set: Send one message, and a single
// inbound subscription registered with OnMessage.
//
// # Usage
//
//	a, b := transport.NewMessageChannel()
//	t := transport.NewChannelTransport(a)
//	t.OnMessage(func(ev transport.MessageEvent) { ... })
//	err := t.Send(envelope)
package transport
