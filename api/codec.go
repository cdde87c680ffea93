package api

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// Codec moves raw payloads and the header messages over gRPC without
// generated code. It reports itself as "proto" so peers using generated
// stubs see a regular application/grpc+proto call.
//
// Use it with grpc.ForceCodec on the client and grpc.ForceServerCodec on the
// server.
type Codec struct{}

var _ encoding.Codec = Codec{}

func (Codec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case []byte:
		return m, nil
	case *[]byte:
		return *m, nil
	case *HeaderRequest:
		return EncodeRequest(m)
	case *HeaderResponse:
		return EncodeResponse(m)
	}
	return nil, fmt.Errorf("api codec: cannot marshal %T", v)
}

func (Codec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *[]byte:
		*m = append((*m)[:0], data...)
		return nil
	case *HeaderRequest:
		req, err := DecodeRequest(data)
		if err != nil {
			return err
		}
		*m = *req
		return nil
	case *HeaderResponse:
		resp, err := DecodeResponse(data)
		if err != nil {
			return err
		}
		*m = *resp
		return nil
	}
	return fmt.Errorf("api codec: cannot unmarshal into %T", v)
}

func (Codec) Name() string {
	return "proto"
}
