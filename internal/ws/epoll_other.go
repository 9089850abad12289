//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
	"time"
)

// Epoll is the portable poller used where epoll is unavailable. Each
// connection gets a monitor goroutine that peeks for data without consuming
// it and then waits until the server has read a frame before peeking again.
type Epoll struct {
	mu      sync.Mutex
	resume  map[*Connection]chan struct{}
	readyCh chan *Connection
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		resume:  make(map[*Connection]chan struct{}),
		readyCh: make(chan *Connection, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring c. Frames are read through a buffered reader so the
// peeked bytes are not lost.
func (e *Epoll) Add(c *Connection) error {
	br := bufio.NewReader(c.Conn)
	c.reader = br
	resume := make(chan struct{}, 1)

	e.mu.Lock()
	e.resume[c] = resume
	e.mu.Unlock()

	go e.monitor(c, br, resume)
	return nil
}

func (e *Epoll) monitor(c *Connection, br *bufio.Reader, resume chan struct{}) {
	for {
		_, err := br.Peek(1)

		select {
		case e.readyCh <- c:
		case <-e.done:
			return
		}
		if err != nil {
			// The server's read will surface the error and remove c.
			return
		}

		select {
		case _, ok := <-resume:
			if !ok {
				return
			}
		case <-e.done:
			return
		}
	}
}

// Resume lets c's monitor peek again after the server finished a read.
func (e *Epoll) Resume(c *Connection) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.resume[c]
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Remove stops monitoring c.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	ch, ok := e.resume[c]
	delete(e.resume, c)
	e.mu.Unlock()
	if ok {
		close(ch)
	}
	return nil
}

// Wait blocks for up to timeoutMs until at least one connection is ready and
// returns every connection that is ready at that point.
func (e *Epoll) Wait(timeoutMs int) ([]*Connection, error) {
	timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer timer.Stop()

	var first *Connection
	select {
	case first = <-e.readyCh:
	case <-timer.C:
		return nil, nil
	case <-e.done:
		return nil, net.ErrClosed
	}

	ready := []*Connection{first}
	for {
		select {
		case c := <-e.readyCh:
			ready = append(ready, c)
		default:
			return ready, nil
		}
	}
}

// Close shuts down the poller and all monitors.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

// socketFD is unused by the fallback poller.
func socketFD(net.Conn) int {
	return -1
}

func isEINTR(error) bool {
	return false
}
