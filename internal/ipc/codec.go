// Package ipc — codec.go
//
// The msgpack envelope that every frame carries: {service, method, id,
// payload}. payload is itself an opaque msgpack-encoded value — method
// handlers decode it into whatever request shape that method expects,
// so the envelope never needs to know the full set of request/response
// types. Response frames reuse the same envelope shape with payload set
// to either {ok: value} or {err: {code, message}}.

package ipc

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/flowkernel/flowkernel/internal/types"
)

// RequestEnvelope is the decoded shape of one request frame.
type RequestEnvelope struct {
	Service string `msgpack:"service"`
	Method  string `msgpack:"method"`
	ID      uint64 `msgpack:"id"`
	Payload []byte `msgpack:"payload"`
}

// ResponseEnvelope is the encoded shape of one response frame.
type ResponseEnvelope struct {
	ID      uint64 `msgpack:"id"`
	Payload []byte `msgpack:"payload"`
}

// ErrorBody is the wire shape of a failed call.
type ErrorBody struct {
	Code    string `msgpack:"code"`
	Message string `msgpack:"message"`
}

// okBody wraps a successful result.
type okBody struct {
	Ok any `msgpack:"ok"`
}

// errBody wraps a failed result.
type errBody struct {
	Err ErrorBody `msgpack:"err"`
}

// EncodeRequest builds one request frame body. Used by IPC clients (the
// latency bench tool, integration tests) rather than the server, which
// only ever decodes requests.
func EncodeRequest(req RequestEnvelope) ([]byte, error) {
	return msgpack.Marshal(req)
}

// EncodePayload marshals v into the opaque payload bytes a
// RequestEnvelope carries.
func EncodePayload(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return msgpack.Marshal(v)
}

// DecodeRequest parses one request frame body.
func DecodeRequest(body []byte) (RequestEnvelope, error) {
	var req RequestEnvelope
	if err := msgpack.Unmarshal(body, &req); err != nil {
		return RequestEnvelope{}, types.ErrInvalidInput("ipc: malformed request envelope: " + err.Error())
	}
	return req, nil
}

// DecodePayload unmarshals a request's payload bytes into dst.
func DecodePayload(payload []byte, dst any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := msgpack.Unmarshal(payload, dst); err != nil {
		return types.ErrInvalidInput("ipc: malformed payload: " + err.Error())
	}
	return nil
}

// EncodeOK builds a success response frame body for request id.
func EncodeOK(id uint64, result any) ([]byte, error) {
	payload, err := msgpack.Marshal(okBody{Ok: result})
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(ResponseEnvelope{ID: id, Payload: payload})
}

// EncodeError builds an error response frame body for request id,
// mapping err to its wire Code exactly once.
func EncodeError(id uint64, err error) ([]byte, error) {
	code := types.CodeOf(err)
	payload, merr := msgpack.Marshal(errBody{Err: ErrorBody{Code: code.String(), Message: err.Error()}})
	if merr != nil {
		return nil, merr
	}
	return msgpack.Marshal(ResponseEnvelope{ID: id, Payload: payload})
}
