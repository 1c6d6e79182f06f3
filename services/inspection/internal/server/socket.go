package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"lemmacheck/internal/util"
	"lemmacheck/pkg/realtime"
	"lemmacheck/services/inspection/internal/app"
)

const (
	socketMaxFrameBytes = 64 << 10
	socketWriteTimeout  = 10 * time.Second
)

// socketFrame is both the client command and the server reply envelope.
type socketFrame struct {
	Type     string          `json:"type"`
	EventURL string          `json:"event_url,omitempty"`
	Status   string          `json:"status,omitempty"`
	Message  string          `json:"message,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// socketHandler serves the room protocol: clients send join_chat, leave_chat
// or ping and receive chat_message and update frames for joined events.
func (s *Server) socketHandler() http.Handler {
	return websocket.Server{
		// Origin policy is left to the deployment's reverse proxy.
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler:   s.serveSocket,
	}
}

type socketSession struct {
	srv  *Server
	ws   *websocket.Conn
	wmu  sync.Mutex
	mu   sync.Mutex
	subs map[string]*realtime.Subscription
	wg   sync.WaitGroup
}

func (s *Server) serveSocket(ws *websocket.Conn) {
	ws.MaxPayloadBytes = socketMaxFrameBytes
	sess := &socketSession{srv: s, ws: ws, subs: make(map[string]*realtime.Subscription)}
	r := ws.Request()
	logger := util.LoggerFromContext(r.Context()).With("ip", util.ClientIP(r, s.trusted))
	logger.Info("socket_connected")
	defer func() {
		sess.leaveAll()
		sess.wg.Wait()
		_ = ws.Close()
		logger.Info("socket_disconnected")
	}()

	if err := sess.send(socketFrame{Type: "connected", Status: "Connected to server"}); err != nil {
		return
	}
	for {
		_ = ws.SetReadDeadline(time.Now().Add(s.socketIdle))
		var in socketFrame
		if err := websocket.JSON.Receive(ws, &in); err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("socket_read_failed", "err", err)
			}
			return
		}
		var err error
		switch in.Type {
		case "join_chat":
			err = sess.join(in.EventURL)
		case "leave_chat":
			err = sess.leave(in.EventURL)
		case "ping":
			err = sess.send(socketFrame{Type: "pong"})
		default:
			err = sess.send(socketFrame{Type: "error", Message: "unknown frame type"})
		}
		if err != nil {
			return
		}
	}
}

func (c *socketSession) send(f socketFrame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	return websocket.JSON.Send(c.ws, f)
}

func (c *socketSession) join(url string) error {
	if url == "" {
		return c.send(socketFrame{Type: "error", Message: "event_url required"})
	}
	if _, err := c.srv.app.GetEvent(c.ws.Request().Context(), url); err != nil {
		msg := "internal error"
		if errors.Is(err, app.ErrEventNotFound) {
			msg = "Event not found"
		}
		return c.send(socketFrame{Type: "error", EventURL: url, Message: msg})
	}
	c.mu.Lock()
	if _, ok := c.subs[url]; !ok {
		sub := c.srv.hub.Subscribe(url)
		c.subs[url] = sub
		c.wg.Add(1)
		go c.forward(sub)
	}
	c.mu.Unlock()
	return c.send(socketFrame{Type: "joined_chat", EventURL: url, Status: "Joined chat room"})
}

func (c *socketSession) leave(url string) error {
	c.mu.Lock()
	sub, ok := c.subs[url]
	delete(c.subs, url)
	c.mu.Unlock()
	if ok {
		sub.Close()
	}
	return c.send(socketFrame{Type: "left_chat", EventURL: url, Status: "Left chat room"})
}

func (c *socketSession) leaveAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = map[string]*realtime.Subscription{}
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

// forward pumps one subscription into the socket until it closes.
func (c *socketSession) forward(sub *realtime.Subscription) {
	defer c.wg.Done()
	for msg := range sub.C() {
		if err := c.send(socketFrame{Type: msg.Type, EventURL: msg.Event, Data: msg.Data}); err != nil {
			sub.Close()
			return
		}
	}
	// Still joined means the hub evicted us.
	c.mu.Lock()
	evicted := c.subs[sub.Topic()] == sub
	if evicted {
		delete(c.subs, sub.Topic())
	}
	c.mu.Unlock()
	if evicted {
		_ = c.send(socketFrame{Type: "error", EventURL: sub.Topic(), Message: "subscription dropped, rejoin to resume"})
	}
}
