// Package eventloop implements the readiness-driven worker loops of
// spec.md §4.9: one epoll set per worker, dispatching to the read and
// write engines and to the per-peer ARQ retransmit timer heap, per the
// concurrency model of spec.md §5 — a connection is pinned to the
// worker that accepted or dialed it for its entire lifetime.
package eventloop

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/charmbracelet/log"

	"github.com/dbehnke/s5066d/internal/conn"
	"github.com/dbehnke/s5066d/internal/dispatch"
	"github.com/dbehnke/s5066d/internal/dts"
	"github.com/dbehnke/s5066d/internal/ioengine"
	"github.com/dbehnke/s5066d/internal/pdu"
	"github.com/dbehnke/s5066d/internal/registry"
)

// RetransmitInterval is how often a DTS peer connection's outstanding
// ARQ window is swept for retransmission, per spec.md §4.7's ACK path
// note ("retransmit any tx_pdus[s]... whose retransmit timer has
// expired"). This reimplementation runs one recurring sweep per
// connection rather than a per-segment deadline, per the simplification
// documented on dts.Peer.RetransmitPending.
const RetransmitInterval = 2 * time.Second

// maxEvents bounds one EpollWait batch.
const maxEvents = 256

// pollTimeout is the epoll wait ceiling when no retransmit timer is
// sooner, so a worker with no DTS peers still wakes periodically
// rather than blocking forever (harmless; keeps shutdown responsive).
const pollTimeout = 1 * time.Second

// Listener is one bound, listening socket a worker accepts new
// connections from, tagged with the protocol newly accepted sockets
// should be dispatched as (spec.md §4.9: "protocol tag inferred from
// the listener that accepted them").
type Listener struct {
	Socket *ioengine.Socket
	Proto  conn.Proto
}

// Worker owns one epoll set, one PDU cache, and every connection
// registered into that set for its lifetime.
type Worker struct {
	id  int
	epfd int

	pool  *pdu.WorkerCache
	table *dispatch.Table
	saps  *registry.SAPTable
	dir   *registry.Directory
	log   *log.Logger

	read  *ioengine.ReadEngine
	write *ioengine.WriteEngine

	listeners map[int]Listener
	conns     map[int]*conn.Connection

	timers    *timerQueue
	timerByFD map[int]*retransmitTimer
}

// NewWorker constructs a worker sharing the given pool, dispatch
// table, SAP table, and connection directory with its siblings.
func NewWorker(id int, pool *pdu.WorkerCache, table *dispatch.Table, saps *registry.SAPTable, dir *registry.Directory, logger *log.Logger) (*Worker, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}
	return &Worker{
		id:        id,
		epfd:      epfd,
		pool:      pool,
		table:     table,
		saps:      saps,
		dir:       dir,
		log:       logger,
		read:      ioengine.NewReadEngine(pool, table),
		write:     ioengine.NewWriteEngine(),
		listeners: make(map[int]Listener),
		conns:     make(map[int]*conn.Connection),
		timers:    newTimerQueue(),
		timerByFD: make(map[int]*retransmitTimer),
	}, nil
}

// AddListener registers a listening socket; the worker will Accept new
// connections tagged proto whenever it becomes readable.
func (w *Worker) AddListener(l *ioengine.Socket, proto conn.Proto) error {
	fd := l.Fd()
	if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl add listener: %w", err)
	}
	w.listeners[fd] = Listener{Socket: l, Proto: proto}
	return nil
}

// AddConnection registers an already-accepted-or-dialed connection into
// this worker's epoll set and, for DTS peers, arms its recurring
// retransmit sweep. Call this from single-threaded startup setup for
// dialed peers, or from within Run for accepted ones.
func (w *Worker) AddConnection(c *conn.Connection) error {
	fd := c.Transport.Fd()
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl add connection: %w", err)
	}
	w.conns[fd] = c
	w.dir.Add(c)
	if c.Proto == conn.ProtoDTS {
		t := w.timers.schedule(time.Now().Add(RetransmitInterval), c)
		w.timerByFD[fd] = t
	}
	return nil
}

// armWrite adds EPOLLOUT to fd's interest set when a write blocked, so
// the loop learns when the socket drains.
func (w *Worker) armWrite(fd int) {
	unix.EpollCtl(w.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLOUT, Fd: int32(fd)})
}

// disarmWrite drops EPOLLOUT once a connection's write queues are drained.
func (w *Worker) disarmWrite(fd int) {
	unix.EpollCtl(w.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)})
}

// closeConn cancels c's retransmit timer, removes it from epoll, the
// SAP table and the directory, and closes the transport. It does not
// release the PDUs still on c's write queues or its current read PDU,
// and it does not remove c's dts.Peer state.
func (w *Worker) closeConn(fd int, c *conn.Connection) {
	unix.EpollCtl(w.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(w.conns, fd)
	if t, ok := w.timerByFD[fd]; ok {
		w.timers.cancel(t)
		delete(w.timerByFD, fd)
	}
	w.saps.ReleaseConnection(c)
	w.dir.Remove(c)
	if c.MarkClosed() {
		c.Transport.Close()
	}
}

// Run drives the readiness loop until stop is closed. It never returns
// an error for ordinary connection lifecycle events (those are logged
// and the connection is closed); a non-nil return means epoll itself
// failed.
func (w *Worker) Run(stop <-chan struct{}) error {
	events := make([]unix.EpollEvent, maxEvents)
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		timeout := pollTimeout
		if d, ok := w.timers.nextDeadline(); ok {
			if until := time.Until(d); until < timeout {
				timeout = until
			}
		}
		if timeout < 0 {
			timeout = 0
		}

		n, err := unix.EpollWait(w.epfd, events, int(timeout.Milliseconds()))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("eventloop: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			w.handleEvent(events[i])
		}

		w.sweepRetransmits()
	}
}

func (w *Worker) handleEvent(ev unix.EpollEvent) {
	fd := int(ev.Fd)
	if l, ok := w.listeners[fd]; ok {
		w.acceptLoop(l)
		return
	}
	c, ok := w.conns[fd]
	if !ok {
		return
	}

	if ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		w.closeConn(fd, c)
		return
	}

	if ev.Events&unix.EPOLLIN != 0 {
		res := w.read.ReadReady(c)
		if res.Closed {
			if res.Err != nil {
				w.log.Warn("connection closed on read", "id", c.ID, "uuid", c.UUID, "proto", c.Proto, "reason", res.Reason, "err", res.Err)
			}
			w.closeConn(fd, c)
			return
		}
	}

	if ev.Events&unix.EPOLLOUT != 0 || c.ToWrite.Len() > 0 || len(c.InWrite) > 0 {
		res := w.write.WriteReady(c)
		if res.Closed {
			w.log.Warn("connection closed on write", "id", c.ID, "uuid", c.UUID, "proto", c.Proto, "err", res.Err)
			w.closeConn(fd, c)
			return
		}
		if res.Blocked {
			w.armWrite(fd)
		} else {
			w.disarmWrite(fd)
		}
	}
}

// acceptLoop drains every pending connection on a listener in one pass,
// since edge-triggered-equivalent behavior isn't assumed: level-triggered
// epoll will simply notify again if Accept still has EAGAIN pending.
func (w *Worker) acceptLoop(l Listener) {
	for {
		sock, peer, err := ioengine.Accept(l.Socket)
		if err != nil {
			if errors.Is(err, conn.ErrWouldBlock) {
				return
			}
			w.log.Warn("accept failed", "proto", l.Proto, "err", err)
			return
		}
		c := conn.NewConnection(registry.NextConnectionID(), l.Proto, peer, sock)
		c.Pool = w.pool
		if err := w.AddConnection(c); err != nil {
			w.log.Warn("failed to register accepted connection", "err", err)
			sock.Close()
			continue
		}
		w.log.Debug("accepted connection", "id", c.ID, "uuid", c.UUID, "proto", l.Proto, "peer", peer)
	}
}

// sweepRetransmits requeues every due DTS peer's outstanding transmit
// window and reschedules its next sweep, per spec.md §5's minheap-timed
// retransmission.
func (w *Worker) sweepRetransmits() {
	for _, t := range w.timers.popExpired(time.Now()) {
		c := t.conn
		fd := c.Transport.Fd()
		if _, live := w.conns[fd]; !live {
			continue // closed since this timer was scheduled
		}

		if c.DTS != nil {
			if peer, ok := c.DTS.Impl.(*dts.Peer); ok {
				for _, p := range peer.RetransmitPending() {
					c.ToWrite.Push(p)
				}
				if c.ToWrite.Len() > 0 {
					w.armWrite(fd)
				}
			}
		}

		next := w.timers.schedule(time.Now().Add(RetransmitInterval), c)
		w.timerByFD[fd] = next
	}
}
