// Package protocol owns the U2F messaging wire contract.
//
// Ownership boundary:
// - request/response envelopes
// - message type and error code enumerations
// - locally synthesized error records
//
// Payload bodies (sign/register requests and responses) are forwarded verbatim;
// only the requestId is read or written by the engine.
package protocol
