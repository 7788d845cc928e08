// Package ioengine implements the transport-agnostic read and write
// engines from spec.md §4.4-4.5: a boundary-splitting reader driven by
// each connection's protocol-specific "need" field, and a
// scatter/gather write queue with partial-write bookkeeping. Sockets
// are raw non-blocking file descriptors multiplexed by the event loop
// via epoll (golang.org/x/sys/unix), following the "epoll class"
// readiness backend spec.md §4.9 calls for on Linux.
package ioengine

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/dbehnke/s5066d/internal/conn"
)

// Socket is a non-blocking raw-fd Transport.
type Socket struct {
	fd int
}

var _ conn.Transport = (*Socket)(nil)

// NewSocket wraps an already-open, already-nonblocking fd.
func NewSocket(fd int) *Socket {
	return &Socket{fd: fd}
}

// Fd implements conn.Transport.
func (s *Socket) Fd() int { return s.fd }

// Read implements conn.Transport using unix.Read, translating EAGAIN
// and EWOULDBLOCK to conn.ErrWouldBlock and retrying on EINTR.
func (s *Socket) Read(buf []byte) (int, error) {
	for {
		n, err := unix.Read(s.fd, buf)
		if err == nil {
			return n, nil
		}
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, conn.ErrWouldBlock
		default:
			return 0, fmt.Errorf("socket read: %w", err)
		}
	}
}

// Write implements conn.Transport using unix.Write.
func (s *Socket) Write(buf []byte) (int, error) {
	for {
		n, err := unix.Write(s.fd, buf)
		if err == nil {
			return n, nil
		}
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return n, conn.ErrWouldBlock
		default:
			return n, fmt.Errorf("socket write: %w", err)
		}
	}
}

// Close implements conn.Transport.
func (s *Socket) Close() error {
	return unix.Close(s.fd)
}

// SetNonblock puts fd in non-blocking mode; called on every accepted
// or dialed socket before it's handed to the event loop.
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}

// ListenTCP creates, binds, and listens on a non-blocking IPv4 TCP
// socket for the given port (0.0.0.0 if iface is empty).
func ListenTCP(iface string, port int) (*Socket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}

	addr := unix.SockaddrInet4{Port: port}
	if iface != "" {
		ip, err := resolveIPv4(iface)
		if err != nil {
			unix.Close(fd)
			return nil, err
		}
		addr.Addr = ip
	}

	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s:%d: %w", iface, port, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}
	if err := SetNonblock(fd); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set nonblocking: %w", err)
	}
	return NewSocket(fd), nil
}

// Accept accepts one pending connection on a non-blocking listener
// socket, returning conn.ErrWouldBlock if none is pending.
func Accept(listener *Socket) (*Socket, string, error) {
	nfd, sa, err := unix.Accept4(listener.fd, unix.SOCK_NONBLOCK)
	if err != nil {
		switch err {
		case unix.EAGAIN:
			return nil, "", conn.ErrWouldBlock
		default:
			return nil, "", fmt.Errorf("accept: %w", err)
		}
	}
	return NewSocket(nfd), formatSockaddr(sa), nil
}

// DialTCP opens a non-blocking outbound TCP connection. Per
// non-blocking connect semantics, the connect may still be in
// progress when this returns; the caller must watch the fd for
// writability to learn when it completes.
func DialTCP(host string, port int) (*Socket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := SetNonblock(fd); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set nonblocking: %w", err)
	}

	ip, err := resolveIPv4(host)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	addr := &unix.SockaddrInet4{Port: port, Addr: ip}
	err = unix.Connect(fd, addr)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, fmt.Errorf("connect %s:%d: %w", host, port, err)
	}
	return NewSocket(fd), nil
}
