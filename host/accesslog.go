package host

import (
	"github.com/getyourguide/extproc-enricher/filter"
	"github.com/go-logr/logr"
)

// AccessLog logs one line per transaction once its stream ended, with the
// values of the enriched headers as forwarded by Envoy.
type AccessLog struct {
	filter.NoOpFilter
	log            logr.Logger
	requestHeader  string
	responseHeader string
}

var (
	_ filter.Filter = &AccessLog{}
	_ filter.Stream = &AccessLog{}
)

func NewAccessLog(log logr.Logger, requestHeader, responseHeader string) *AccessLog {
	return &AccessLog{
		log:            log,
		requestHeader:  requestHeader,
		responseHeader: responseHeader,
	}
}

func (a *AccessLog) OnStreamComplete(req *filter.RequestContext) {
	txID, _ := TransactionID(req)
	a.log.Info("transaction complete",
		"transaction", txID,
		"requestID", req.RequestID(),
		"authority", req.Authority(),
		"method", req.Method(),
		"path", req.URL().Path,
		"status", req.Status(),
		"phase", string(req.RequestPhase()),
		"duration", req.RequestDuration(),
		"requestHeader", req.RequestHeader(a.requestHeader),
		"responseHeader", req.ResponseHeader(a.responseHeader),
	)
}
