package host

import (
	"context"
	"hash/maphash"

	"github.com/getyourguide/extproc-enricher/api"
	"github.com/getyourguide/extproc-enricher/enrich"
	"golang.org/x/sync/errgroup"
)

// Pool pins every transaction to one of its workers so the events of a
// transaction never run concurrently.
type Pool struct {
	workers []*Worker
	seed    maphash.Seed
}

// NewPool builds n workers with newWorker. n below 1 is treated as 1.
func NewPool(n int, newWorker func(i int) *Worker) *Pool {
	n = max(n, 1)
	p := &Pool{
		workers: make([]*Worker, n),
		seed:    maphash.MakeSeed(),
	}
	for i := range p.workers {
		p.workers[i] = newWorker(i)
	}
	return p
}

// Run runs every worker until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		g.Go(func() error {
			return w.Run(ctx)
		})
	}
	return g.Wait()
}

func (p *Pool) Size() int {
	return len(p.workers)
}

func (p *Pool) worker(txID string) *Worker {
	return p.workers[maphash.String(p.seed, txID)%uint64(len(p.workers))]
}

func (p *Pool) Headers(ctx context.Context, txID string, dir api.Direction) ([]Mutation, error) {
	return p.worker(txID).Headers(ctx, txID, dir)
}

func (p *Pool) Done(txID string) {
	p.worker(txID).Done(txID)
}

func (p *Pool) State(ctx context.Context, txID string, dir api.Direction) (enrich.State, error) {
	return p.worker(txID).State(ctx, txID, dir)
}
