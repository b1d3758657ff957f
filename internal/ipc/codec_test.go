package ipc

import (
	"errors"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/flowkernel/flowkernel/internal/types"
)

func TestCodec_RequestRoundTrip(t *testing.T) {
	payload, err := EncodePayload(PidRequest{Pid: "p-1"})
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	req := RequestEnvelope{Service: "KernelService", Method: "get_process", ID: 7, Payload: payload}

	body, err := EncodeRequest(req)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}

	got, err := DecodeRequest(body)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if got.Service != req.Service || got.Method != req.Method || got.ID != req.ID {
		t.Fatalf("want %+v, got %+v", req, got)
	}

	var pr PidRequest
	if err := DecodePayload(got.Payload, &pr); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if pr.Pid != "p-1" {
		t.Fatalf("want pid p-1, got %q", pr.Pid)
	}
}

func TestCodec_DecodeRequest_MalformedBodyIsInvalidInput(t *testing.T) {
	_, err := DecodeRequest([]byte{0xff, 0xff, 0xff})
	if err == nil {
		t.Fatal("want error decoding malformed envelope")
	}
	if types.CodeOf(err) != types.CodeInvalidInput {
		t.Fatalf("want InvalidInput, got %v", types.CodeOf(err))
	}
}

func TestCodec_DecodePayload_EmptyIsNoOp(t *testing.T) {
	var pr PidRequest
	if err := DecodePayload(nil, &pr); err != nil {
		t.Fatalf("want no error for empty payload, got %v", err)
	}
	if pr.Pid != "" {
		t.Fatalf("want zero-value dst untouched, got %+v", pr)
	}
}

func TestCodec_EncodeOK_RoundTrip(t *testing.T) {
	body, err := EncodeOK(3, PidRequest{Pid: "p-2"})
	if err != nil {
		t.Fatalf("EncodeOK: %v", err)
	}

	var resp ResponseEnvelope
	if err := msgpack.Unmarshal(body, &resp); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if resp.ID != 3 {
		t.Fatalf("want id 3, got %d", resp.ID)
	}

	var wrapped struct {
		Ok PidRequest `msgpack:"ok"`
	}
	if err := msgpack.Unmarshal(resp.Payload, &wrapped); err != nil {
		t.Fatalf("unmarshal ok body: %v", err)
	}
	if wrapped.Ok.Pid != "p-2" {
		t.Fatalf("want p-2, got %q", wrapped.Ok.Pid)
	}
}

func TestCodec_EncodeError_MapsCodeExactlyOnce(t *testing.T) {
	body, err := EncodeError(5, types.ErrNotFound("kernel: process not found"))
	if err != nil {
		t.Fatalf("EncodeError: %v", err)
	}

	var resp ResponseEnvelope
	if err := msgpack.Unmarshal(body, &resp); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}

	var wrapped struct {
		Err ErrorBody `msgpack:"err"`
	}
	if err := msgpack.Unmarshal(resp.Payload, &wrapped); err != nil {
		t.Fatalf("unmarshal err body: %v", err)
	}
	if wrapped.Err.Code != types.CodeNotFound.String() {
		t.Fatalf("want code %s, got %s", types.CodeNotFound.String(), wrapped.Err.Code)
	}
	if wrapped.Err.Message == "" {
		t.Fatal("want non-empty message")
	}
}

func TestCodec_EncodeError_UnknownErrorMapsToInternal(t *testing.T) {
	body, err := EncodeError(9, errors.New("surprise"))
	if err != nil {
		t.Fatalf("EncodeError: %v", err)
	}

	var resp ResponseEnvelope
	_ = msgpack.Unmarshal(body, &resp)
	var wrapped struct {
		Err ErrorBody `msgpack:"err"`
	}
	if err := msgpack.Unmarshal(resp.Payload, &wrapped); err != nil {
		t.Fatalf("unmarshal err body: %v", err)
	}
	if wrapped.Err.Code != types.CodeInternal.String() {
		t.Fatalf("want Internal for an unmapped error, got %s", wrapped.Err.Code)
	}
}
