package ws

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"

	"github.com/acces/alumni-chat/internal/identity"
	"github.com/acces/alumni-chat/internal/protocol"
)

func testConfig() ServerConfig {
	cfg := DefaultServerConfig()
	cfg.WorkerPoolSize = 8
	cfg.PollTimeout = 20 * time.Millisecond
	cfg.ReadTimeout = time.Second
	cfg.WriteTimeout = time.Second
	cfg.Heartbeat = HeartbeatConfig{} // disabled
	return cfg
}

func startTestServer(t *testing.T, cb Callbacks) (*Server, string) {
	t.Helper()
	srv := NewServer(testConfig(), cb)
	require.NoError(t, srv.Start())
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

type testClient struct {
	conn net.Conn
	rw   io.ReadWriter
}

func dial(t *testing.T, url string) (*testClient, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() { conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = br
	}
	return &testClient{conn: conn, rw: struct {
		io.Reader
		io.Writer
	}{r, conn}}, nil
}

func (c *testClient) read(t *testing.T) []byte {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(c.rw)
	require.NoError(t, err)
	return data
}

func (c *testClient) write(t *testing.T, data string) {
	t.Helper()
	require.NoError(t, wsutil.WriteClientText(c.conn, []byte(data)))
}

var alice = &identity.User{ID: "u-alice", FirstName: "Alice", LastName: "Smith", Role: identity.RoleAlumni, Active: true}

func TestServer_RejectsHandshake(t *testing.T) {
	var opened int32
	srv, url := startTestServer(t, Callbacks{
		Authenticate: func(*http.Request) (*identity.User, error) {
			return nil, identity.ErrAuthRejected
		},
		OnOpen: func(*Connection) error {
			atomic.AddInt32(&opened, 1)
			return nil
		},
	})

	_, err := dial(t, url+"/ws")
	require.Error(t, err)

	var status ws.StatusError
	if errors.As(err, &status) {
		require.Equal(t, http.StatusUnauthorized, int(status))
	}
	require.Zero(t, atomic.LoadInt32(&opened))
	require.Zero(t, srv.Connections().Count())
}

func TestServer_Lifecycle(t *testing.T) {
	received := make(chan string, 4)
	var closed int32

	var srv *Server
	srv, url := startTestServer(t, Callbacks{
		Authenticate: func(r *http.Request) (*identity.User, error) {
			if r.URL.Query().Get("user_id") != "u-alice" {
				return nil, identity.ErrAuthRejected
			}
			return alice, nil
		},
		OnOpen: func(c *Connection) error {
			if c.User == nil || c.User.ID != "u-alice" {
				return errors.New("identity not attached")
			}
			if err := srv.Join(c.ID, "room"); err != nil {
				return err
			}
			return srv.Send(c.ID, []byte(`{"type":"connected"}`))
		},
		OnMessage: func(c *Connection, data []byte) {
			received <- string(data)
		},
		OnClose: func(*Connection) {
			atomic.AddInt32(&closed, 1)
		},
	})

	client, err := dial(t, url+"/ws?user_id=u-alice")
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"connected"}`, string(client.read(t)))

	client.write(t, `{"type":"message","text":"hi"}`)
	select {
	case got := <-received:
		require.Equal(t, `{"type":"message","text":"hi"}`, got)
	case <-time.After(2 * time.Second):
		t.Fatal("frame never reached OnMessage")
	}

	require.Equal(t, 1, srv.BroadcastRoom("room", []byte(`{"type":"message"}`)))
	require.JSONEq(t, `{"type":"message"}`, string(client.read(t)))
	require.Zero(t, srv.BroadcastRoom("nobody-here", []byte(`{}`)))

	client.conn.Close()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&closed) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, srv.Connections().Count())
	require.Empty(t, srv.Connections().Members("room"))

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&closed))
}

func TestServer_OnOpenErrorClosesConnection(t *testing.T) {
	var closed int32
	srv, url := startTestServer(t, Callbacks{
		Authenticate: func(*http.Request) (*identity.User, error) { return alice, nil },
		OnOpen:       func(*Connection) error { return errors.New("registry full") },
		OnClose:      func(*Connection) { atomic.AddInt32(&closed, 1) },
	})

	client, err := dial(t, url+"/ws")
	require.NoError(t, err)

	_ = client.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = wsutil.ReadServerText(client.rw)
	require.Error(t, err)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&closed) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, srv.Connections().Count())
}

// pipeConn returns a server-side Connection over net.Pipe and a reader for
// the frames it writes.
func pipeConn(t *testing.T, id string) (*Connection, func() map[string]interface{}) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})

	frames := make(chan []byte, 16)
	go func() {
		br := bufio.NewReader(client)
		for {
			data, err := wsutil.ReadServerText(struct {
				io.Reader
				io.Writer
			}{br, client})
			if err != nil {
				close(frames)
				return
			}
			frames <- data
		}
	}()

	next := func() map[string]interface{} {
		t.Helper()
		select {
		case data, ok := <-frames:
			require.True(t, ok, "connection closed")
			var m map[string]interface{}
			require.NoError(t, json.Unmarshal(data, &m))
			return m
		case <-time.After(2 * time.Second):
			t.Fatal("no frame received")
			return nil
		}
	}
	return newConnection(id, server, alice, time.Second), next
}

func TestDispatcher(t *testing.T) {
	c, next := pipeConn(t, "c1")

	var handled []string
	d := NewMessageDispatcher()
	d.Register(protocol.TypeMessage, func(_ *Connection, msg interface{}) {
		body := msg.(protocol.ChatMsg).Body()
		if body == "boom" {
			panic("handler exploded")
		}
		handled = append(handled, body)
	})

	d.Dispatch(c, []byte(`{"type":"ping"}`))
	require.Equal(t, protocol.TypePong, next()["type"])

	d.Dispatch(c, []byte(`not json`))
	frame := next()
	require.Equal(t, protocol.TypeError, frame["type"])
	require.Equal(t, protocol.CodeBadFrame, frame["code"])

	d.Dispatch(c, []byte(`{"type":"typing"}`))
	require.Equal(t, protocol.CodeBadFrame, next()["code"])

	d.Dispatch(c, []byte(`{"type":"message","text":"boom"}`))
	frame = next()
	require.Equal(t, protocol.TypeError, frame["type"])
	require.Equal(t, protocol.CodeInternalError, frame["code"])

	d.Dispatch(c, []byte(`{"type":"message","message":"legacy"}`))
	require.Equal(t, []string{"legacy"}, handled)
}

func TestConnectionManager_Rooms(t *testing.T) {
	cm := NewConnectionManager()
	c1, _ := pipeConn(t, "c1")
	c2, _ := pipeConn(t, "c2")
	cm.Add(c1)
	cm.Add(c2)

	require.True(t, cm.Join("c1", "chat_room"))
	require.True(t, cm.Join("c1", "chat_room"))
	require.True(t, cm.Join("c2", "chat_room"))
	require.True(t, cm.Join("c1", "user_u-alice"))
	require.False(t, cm.Join("ghost", "chat_room"))

	require.Len(t, cm.Members("chat_room"), 2)
	require.Len(t, cm.Members("user_u-alice"), 1)

	require.True(t, cm.Remove("c1"))
	require.False(t, cm.Remove("c1"))
	require.Len(t, cm.Members("chat_room"), 1)
	require.Empty(t, cm.Members("user_u-alice"))
	require.Equal(t, 1, cm.Count())
}
