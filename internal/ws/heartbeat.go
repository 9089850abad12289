package ws

import (
	"log"
	"time"

	"github.com/gobwas/ws"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 25s)
	Timeout  time.Duration // grace after a missed interval (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 25 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// heartbeat pings every connection each Interval and evicts those that have
// not produced a frame within Interval + Timeout. Browsers answer protocol
// pings automatically, so a live idle client stays connected.
func (s *Server) heartbeat(config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.sweep(now, config.Interval+config.Timeout)
		}
	}
}

func (s *Server) sweep(now time.Time, deadline time.Duration) {
	for _, c := range s.conns.All() {
		idle := now.Sub(c.LastSeen())
		if idle > deadline {
			log.Printf("ws: heartbeat timeout conn=%s idle=%s", c.ID, idle.Round(time.Second))
			s.RemoveConnection(c)
			continue
		}
		if err := c.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping failed conn=%s: %v", c.ID, err)
			s.RemoveConnection(c)
		}
	}
}

// WritePing sends a protocol-level ping frame, serialized with other writes.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}
