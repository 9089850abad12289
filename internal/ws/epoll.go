//go:build linux

package ws

import (
	"errors"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Epoll multiplexes connection reads over one Linux epoll instance. Ready
// connections are handed to the server's worker pool instead of keeping a
// goroutine parked on every socket.
type Epoll struct {
	fd     int
	mu     sync.RWMutex
	conns  map[int]*Connection // fd -> connection
	events []unix.EpollEvent   // reusable event buffer for Wait
}

// NewEpoll creates a new epoll instance using epoll_create1.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		conns:  make(map[int]*Connection),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers the connection's fd for read and hang-up readiness.
func (e *Epoll) Add(c *Connection) error {
	if c.Fd < 0 {
		return errors.New("ws: connection has no file descriptor")
	}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, c.Fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(c.Fd),
	}); err != nil {
		return err
	}

	e.mu.Lock()
	e.conns[c.Fd] = c
	e.mu.Unlock()
	return nil
}

// Remove unregisters the connection. It is safe to call more than once.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	registered, ok := e.conns[c.Fd]
	ok = ok && registered == c
	if ok {
		delete(e.conns, c.Fd)
	}
	e.mu.Unlock()

	if !ok {
		return nil
	}
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, c.Fd, nil)
}

// Resume is a no-op: epoll is level-triggered and reports pending data again
// on the next Wait.
func (e *Epoll) Resume(*Connection) {}

// Wait blocks for up to timeoutMs until registered connections are ready.
// An expired timeout returns an empty slice.
func (e *Epoll) Wait(timeoutMs int) ([]*Connection, error) {
	n, err := unix.EpollWait(e.fd, e.events, timeoutMs)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	ready := make([]*Connection, 0, n)
	for i := 0; i < n; i++ {
		if c, ok := e.conns[int(e.events[i].Fd)]; ok {
			ready = append(ready, c)
		}
	}
	e.mu.RUnlock()
	return ready, nil
}

// Close closes the epoll file descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conns = make(map[int]*Connection)
	return unix.Close(e.fd)
}

// socketFD extracts the file descriptor through SyscallConn so the original
// fd stays valid (File() would dup it).
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}

func isEINTR(err error) bool {
	return errors.Is(err, unix.EINTR)
}
