package api

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// ErrDecode is returned for truncated or malformed payloads, unknown direction labels and missing required fields.
	ErrDecode = errors.New("decode error")
	// ErrInvalidDirection is returned when encoding a message without a valid direction.
	ErrInvalidDirection = errors.New("invalid direction")
)

// Field numbers shared by Request and Response in api.proto.
const (
	fieldPathType protowire.Number = 1
	fieldID       protowire.Number = 2
	fieldHeader   protowire.Number = 2
)

// HeaderRequest asks the header generation service for a header value.
type HeaderRequest struct {
	Direction     Direction
	TransactionID string
}

// HeaderResponse carries the header value to inject.
type HeaderResponse struct {
	Direction Direction
	Header    string
}

// EncodeRequest serializes req in the protobuf wire format of api.Request.
func EncodeRequest(req *HeaderRequest) ([]byte, error) {
	if !req.Direction.Valid() {
		return nil, fmt.Errorf("encode request: %w: %s", ErrInvalidDirection, req.Direction)
	}
	b := appendString(nil, fieldPathType, req.Direction.String())
	if req.TransactionID != "" {
		b = appendString(b, fieldID, req.TransactionID)
	}
	return b, nil
}

// DecodeRequest parses an api.Request. The transaction id is optional.
func DecodeRequest(b []byte) (*HeaderRequest, error) {
	var (
		req      HeaderRequest
		pathType *string
	)
	err := consumeStrings(b, func(num protowire.Number, v string) {
		switch num {
		case fieldPathType:
			pathType = &v
		case fieldID:
			req.TransactionID = v
		}
	})
	if err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	if pathType == nil {
		return nil, fmt.Errorf("decode request: %w: missing path_type", ErrDecode)
	}
	if req.Direction, err = ParseDirection(*pathType); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	return &req, nil
}

// EncodeResponse serializes resp in the protobuf wire format of api.Response.
func EncodeResponse(resp *HeaderResponse) ([]byte, error) {
	if !resp.Direction.Valid() {
		return nil, fmt.Errorf("encode response: %w: %s", ErrInvalidDirection, resp.Direction)
	}
	b := appendString(nil, fieldPathType, resp.Direction.String())
	b = appendString(b, fieldHeader, resp.Header)
	return b, nil
}

// DecodeResponse parses an api.Response. Both fields are required; a missing
// header is an error, never an empty value.
func DecodeResponse(b []byte) (*HeaderResponse, error) {
	var pathType, header *string
	err := consumeStrings(b, func(num protowire.Number, v string) {
		switch num {
		case fieldPathType:
			pathType = &v
		case fieldHeader:
			header = &v
		}
	})
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if pathType == nil {
		return nil, fmt.Errorf("decode response: %w: missing path_type", ErrDecode)
	}
	if header == nil {
		return nil, fmt.Errorf("decode response: %w: missing header", ErrDecode)
	}
	dir, err := ParseDirection(*pathType)
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &HeaderResponse{Direction: dir, Header: *header}, nil
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// consumeStrings walks every field of b. Known fields 1 and 2 must be
// length-delimited; other fields are skipped.
func consumeStrings(b []byte, fn func(num protowire.Number, v string)) error {
	if len(b) == 0 {
		return fmt.Errorf("%w: empty payload", ErrDecode)
	}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrDecode, protowire.ParseError(n))
		}
		b = b[n:]
		if num != fieldPathType && num != fieldID {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %w", ErrDecode, num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		if typ != protowire.BytesType {
			return fmt.Errorf("%w: field %d has wire type %d", ErrDecode, num, typ)
		}
		v, n := protowire.ConsumeString(b)
		if n < 0 {
			return fmt.Errorf("%w: field %d: %w", ErrDecode, num, protowire.ParseError(n))
		}
		b = b[n:]
		fn(num, v)
	}
	return nil
}
