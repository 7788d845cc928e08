package eventloop

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/charmbracelet/log"

	"github.com/dbehnke/s5066d/internal/conn"
	"github.com/dbehnke/s5066d/internal/dispatch"
	"github.com/dbehnke/s5066d/internal/ioengine"
	"github.com/dbehnke/s5066d/internal/pdu"
	"github.com/dbehnke/s5066d/internal/registry"
)

// Loop owns the daemon's fixed-size worker pool, per spec.md §5's "small
// fixed-size pool of worker threads, each running a readiness loop
// cooperatively over the connections it owns." Listener sockets and
// dialed peer connections are assigned to a worker once, during setup,
// before Run starts: there is no cross-worker connection handoff.
type Loop struct {
	workers []*Worker
	next    int // round-robin cursor for AddListener/AddPeer assignment

	stop chan struct{}
}

// NewLoop builds n workers sharing one PDU pool, dispatch table, SAP
// table, and connection directory.
func NewLoop(n int, pool *pdu.Pool, table *dispatch.Table, saps *registry.SAPTable, dir *registry.Directory, logger *log.Logger) (*Loop, error) {
	if n < 1 {
		n = 1
	}
	l := &Loop{stop: make(chan struct{})}
	for i := 0; i < n; i++ {
		w, err := NewWorker(i, pool.Worker(), table, saps, dir, logger)
		if err != nil {
			return nil, err
		}
		l.workers = append(l.workers, w)
	}
	return l, nil
}

// pickWorker round-robins across the pool, giving each worker the same
// long-run share of listeners and dialed peers.
func (l *Loop) pickWorker() *Worker {
	w := l.workers[l.next%len(l.workers)]
	l.next++
	return w
}

// AddListener assigns a listening socket to the next worker in
// round-robin order. Call this during startup, before Run.
func (l *Loop) AddListener(sock *ioengine.Socket, proto conn.Proto) error {
	return l.pickWorker().AddListener(sock, proto)
}

// AddPeer assigns an already-connected (or in-progress non-blocking
// connect) outbound peer socket to the next worker in round-robin
// order, wrapping it in a Connection tagged ProtoDTS. Call this during
// startup, before Run.
func (l *Loop) AddPeer(sock *ioengine.Socket, peerAddr string) (*conn.Connection, error) {
	w := l.pickWorker()
	c := conn.NewConnection(registry.NextConnectionID(), conn.ProtoDTS, peerAddr, sock)
	c.Pool = w.pool
	if err := w.AddConnection(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Run starts every worker's readiness loop and blocks until ctx is
// canceled or a worker's epoll wait fails outright.
func (l *Loop) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range l.workers {
		w := w
		g.Go(func() error {
			return w.Run(l.stop)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		close(l.stop)
		return nil
	})
	return g.Wait()
}
