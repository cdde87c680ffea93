// Package headergen implements the header generation service the enricher calls.
package headergen

import (
	"context"

	"github.com/getyourguide/extproc-enricher/api"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	RequestPrefix  = "REQ"
	ResponsePrefix = "RES"
)

type Server struct {
	log   logr.Logger
	newID func() string
}

var _ api.HeaderGeneratorServer = &Server{}

type Option func(*Server)

func WithLogger(log logr.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

// WithIDFunc replaces the uuid generator.
func WithIDFunc(fn func() string) Option {
	return func(s *Server) {
		s.newID = fn
	}
}

func New(opts ...Option) *Server {
	s := &Server{
		log:   logr.Discard(),
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GenerateHeader returns a fresh id prefixed by the direction it was asked for.
func (s *Server) GenerateHeader(ctx context.Context, req *api.HeaderRequest) (*api.HeaderResponse, error) {
	s.log.V(1).Info("GenerateHeader", "direction", req.Direction.String(), "transaction", req.TransactionID)
	switch req.Direction {
	case api.RequestPath:
		return &api.HeaderResponse{
			Direction: api.RequestPath,
			Header:    RequestPrefix + s.newID(),
		}, nil
	case api.ResponsePath:
		return &api.HeaderResponse{
			Direction: api.ResponsePath,
			Header:    ResponsePrefix + s.newID(),
		}, nil
	}
	return nil, status.Errorf(codes.InvalidArgument, "unsupported direction %s for transaction %q", req.Direction, req.TransactionID)
}
