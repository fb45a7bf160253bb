package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MessageType tags every envelope exchanged with the key handler.
type MessageType string

const (
	MessageRegisterRequest  MessageType = "u2f_register_request"
	MessageSignRequest      MessageType = "u2f_sign_request"
	MessageRegisterResponse MessageType = "u2f_register_response"
	MessageSignResponse     MessageType = "u2f_sign_response"
)

// JSAPIVersion is the U2F JavaScript API level this client speaks.
const JSAPIVersion = 1

func (t MessageType) IsRequest() bool {
	return t == MessageRegisterRequest || t == MessageSignRequest
}

// ResponseType returns the response type paired with a request type.
func (t MessageType) ResponseType() MessageType {
	switch t {
	case MessageRegisterRequest:
		return MessageRegisterResponse
	case MessageSignRequest:
		return MessageSignResponse
	default:
		return t
	}
}

type SignRequest struct {
	Version   string `json:"version"`
	Challenge string `json:"challenge"`
	KeyHandle string `json:"keyHandle"`
	AppID     string `json:"appId"`
}

type RegisterRequest struct {
	Version   string `json:"version"`
	Challenge string `json:"challenge"`
	AppID     string `json:"appId"`
}

type SignResponse struct {
	KeyHandle     string `json:"keyHandle"`
	SignatureData string `json:"signatureData"`
	ClientData    string `json:"clientData"`
}

type RegisterResponse struct {
	RegistrationData string `json:"registrationData"`
	ClientData       string `json:"clientData"`
}

// RequestEnvelope is the outbound message shape for both transports.
type RequestEnvelope struct {
	Type             MessageType       `json:"type"`
	RequestID        uint64            `json:"requestId"`
	SignRequests     []SignRequest     `json:"signRequests"`
	RegisterRequests []RegisterRequest `json:"registerRequests,omitempty"`
	TimeoutSeconds   int               `json:"timeoutSeconds"`
}

// ProbeMessage is the zero-payload sign request used to detect the native bridge.
type ProbeMessage struct {
	Type         MessageType   `json:"type"`
	SignRequests []SignRequest `json:"signRequests"`
}

func NewProbeMessage() ProbeMessage {
	return ProbeMessage{
		Type:         MessageSignRequest,
		SignRequests: []SignRequest{},
	}
}

// MarshalJSON always writes registerRequests on a register request, even
// when empty, and never writes it on a sign request.
func (e RequestEnvelope) MarshalJSON() ([]byte, error) {
	type plain RequestEnvelope
	if e.Type != MessageRegisterRequest {
		e.RegisterRequests = nil
		return json.Marshal(plain(e))
	}
	regs := e.RegisterRequests
	if regs == nil {
		regs = []RegisterRequest{}
	}
	return json.Marshal(struct {
		plain
		RegisterRequests []RegisterRequest `json:"registerRequests"`
	}{plain(e), regs})
}

func (e RequestEnvelope) Validate() error {
	if !e.Type.IsRequest() {
		return fmt.Errorf("%w: %q", ErrInvalidMessageType, e.Type)
	}
	if e.RequestID == 0 {
		return ErrMissingRequestID
	}
	if e.SignRequests == nil {
		return fmt.Errorf("%w: missing signRequests", ErrInvalidEnvelope)
	}
	if e.TimeoutSeconds < 0 {
		return fmt.Errorf("%w: negative timeoutSeconds", ErrInvalidEnvelope)
	}
	return nil
}

// ResponseEnvelope is the inbound message shape. ResponseData is kept raw.
type ResponseEnvelope struct {
	Type         MessageType  `json:"type"`
	RequestID    uint64       `json:"requestId,omitempty"`
	ResponseData ResponseData `json:"responseData,omitempty"`
}

// DecodeResponse parses one inbound payload. A requestId that is absent,
// null, zero, or not a positive integer decodes to 0.
func DecodeResponse(raw []byte) (ResponseEnvelope, error) {
	var wire struct {
		Type         MessageType     `json:"type"`
		RequestID    json.RawMessage `json:"requestId"`
		ResponseData ResponseData    `json:"responseData"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return ResponseEnvelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return ResponseEnvelope{
		Type:         wire.Type,
		RequestID:    parseRequestID(wire.RequestID),
		ResponseData: wire.ResponseData,
	}, nil
}

func parseRequestID(raw json.RawMessage) uint64 {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0
	}
	var id uint64
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0
	}
	return id
}

// ResponseData is the opaque responseData member of a ResponseEnvelope.
type ResponseData json.RawMessage

func (d ResponseData) MarshalJSON() ([]byte, error) {
	if len(d) == 0 {
		return []byte("null"), nil
	}
	return d, nil
}

func (d *ResponseData) UnmarshalJSON(b []byte) error {
	if d == nil {
		return fmt.Errorf("protocol: UnmarshalJSON on nil ResponseData")
	}
	*d = append((*d)[0:0], b...)
	return nil
}

// Err returns the error record carried by the response, or nil when the
// payload has no errorCode or reports OK.
func (d ResponseData) Err() *ErrorRecord {
	if len(d) == 0 {
		return nil
	}
	var probe struct {
		ErrorCode    *ErrorCode `json:"errorCode"`
		ErrorMessage string     `json:"errorMessage"`
	}
	if err := json.Unmarshal(d, &probe); err != nil || probe.ErrorCode == nil {
		return nil
	}
	if *probe.ErrorCode == OK {
		return nil
	}
	return &ErrorRecord{Code: *probe.ErrorCode, Message: probe.ErrorMessage}
}

func (d ResponseData) SignResponse() (SignResponse, error) {
	var out SignResponse
	if rec := d.Err(); rec != nil {
		return out, rec
	}
	if err := json.Unmarshal(d, &out); err != nil {
		return SignResponse{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return out, nil
}

func (d ResponseData) RegisterResponse() (RegisterResponse, error) {
	var out RegisterResponse
	if rec := d.Err(); rec != nil {
		return out, rec
	}
	if err := json.Unmarshal(d, &out); err != nil {
		return RegisterResponse{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return out, nil
}
