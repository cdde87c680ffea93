package enrich_test

import (
	"errors"
	"testing"

	"github.com/getyourguide/extproc-enricher/api"
	"github.com/getyourguide/extproc-enricher/enrich"
	"github.com/stretchr/testify/require"
)

func TestDispatcher(t *testing.T) {
	t.Run("encodes the request", func(t *testing.T) {
		host := newFakeHost()
		d := enrich.NewDispatcher(host)
		h, err := d.Dispatch(api.ResponsePath, "tx1")
		require.NoError(t, err)
		require.Equal(t, host.lastHandle(), h)
		require.Equal(t, &api.HeaderRequest{Direction: api.ResponsePath, TransactionID: "tx1"}, host.calls[0].request)
	})

	t.Run("invalid direction is never sent", func(t *testing.T) {
		host := newFakeHost()
		d := enrich.NewDispatcher(host)
		_, err := d.Dispatch(api.DirectionUnspecified, "tx1")
		require.ErrorIs(t, err, enrich.ErrDispatch)
		require.ErrorIs(t, err, api.ErrInvalidDirection)
		require.Empty(t, host.calls)
	})

	t.Run("host rejection", func(t *testing.T) {
		host := newFakeHost()
		rejected := errors.New("resource exhausted")
		host.dispatchErr = rejected
		d := enrich.NewDispatcher(host, enrich.WithEndpoint("nowhere"))
		_, err := d.Dispatch(api.RequestPath, "tx1")
		require.ErrorIs(t, err, enrich.ErrDispatch)
		require.ErrorIs(t, err, rejected)
		require.Contains(t, err.Error(), "nowhere")
	})
}
