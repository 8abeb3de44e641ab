package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Sandeepjatav78/Raahi/internal/auth"
	"github.com/Sandeepjatav78/Raahi/internal/events"
	"github.com/Sandeepjatav78/Raahi/internal/model"
)

// Vehicle and viewer socket on /v1/ws.
//
// Client to server:
//
//	{"type":"position","tripId":"t1","lat":..,"lng":..,"speed":..}
//	{"type":"subscribe","tripId":"t1"}  or  {"type":"subscribe","channel":"admin"}
//	{"type":"unsubscribe","tripId":"t1"}
//	{"type":"ping"}
//
// Server to client: every broker event as {"type":<event>,"channel":..,"data":..},
// plus ack, pong and error frames.

const (
	wsPongWait   = 60 * time.Second
	wsPingEvery  = 25 * time.Second
	wsWriteWait  = 10 * time.Second
	wsReadLimit  = 1 << 16
	wsTypeError  = "error"
	wsTypeAck    = "ack"
	wsTypePong   = "pong"
	wsAdminTopic = "admin"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsIn struct {
	Type    string `json:"type"`
	TripID  string `json:"tripId,omitempty"`
	Channel string `json:"channel,omitempty"`
}

type wsOut struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

type wsSession struct {
	s    *Server
	conn *websocket.Conn
	who  auth.Principal
	id   string

	wmu  sync.Mutex
	subs map[string]chan events.Event // read loop only
	wg   sync.WaitGroup
}

// WSHandler handles GET /v1/ws.
func (s *Server) WSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsSession{
		s:    s,
		conn: conn,
		who:  auth.FromContext(r.Context()),
		id:   uuid.NewString(),
		subs: map[string]chan events.Event{},
	}
	c.run(r)
}

func (c *wsSession) write(v wsOut) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(v)
}

func (c *wsSession) run(r *http.Request) {
	done := make(chan struct{})
	defer func() {
		close(done)
		for channel, ch := range c.subs {
			c.s.Broker.Unsubscribe(channel, ch)
		}
		c.wg.Wait()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(wsReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		t := time.NewTicker(wsPingEvery)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("conn", c.id).Msg("ws read")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		var msg wsIn
		if err := json.Unmarshal(raw, &msg); err != nil {
			_ = c.write(wsOut{Type: wsTypeError, Message: "invalid JSON"})
			continue
		}
		switch msg.Type {
		case "position":
			c.position(r, raw)
		case "subscribe":
			c.subscribe(msg)
		case "unsubscribe":
			if channel := c.channel(msg); channel != "" {
				if ch, ok := c.subs[channel]; ok {
					c.s.Broker.Unsubscribe(channel, ch)
					delete(c.subs, channel)
				}
			}
		case "ping":
			_ = c.write(wsOut{Type: wsTypePong})
		default:
			_ = c.write(wsOut{Type: wsTypeError, Message: "unknown message type " + msg.Type})
		}
	}
}

func (c *wsSession) channel(msg wsIn) string {
	if msg.TripID != "" {
		return events.TripChannel(msg.TripID)
	}
	if msg.Channel == wsAdminTopic {
		return events.AdminChannel
	}
	return ""
}

func (c *wsSession) subscribe(msg wsIn) {
	channel := c.channel(msg)
	switch {
	case channel == "":
		_ = c.write(wsOut{Type: wsTypeError, Message: "tripId or channel required"})
		return
	case channel == events.AdminChannel && !c.who.IsAdmin():
		_ = c.write(wsOut{Type: wsTypeError, Channel: channel, Message: "admin role required"})
		return
	}
	if _, ok := c.subs[channel]; ok {
		return
	}
	ch := c.s.Broker.Subscribe(channel)
	c.subs[channel] = ch
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for evt := range ch {
			if err := c.write(wsOut{Type: evt.Type, Channel: channel, Data: evt.Data}); err != nil {
				return
			}
		}
	}()
	_ = c.write(wsOut{Type: wsTypeAck, Channel: channel})
}

func (c *wsSession) position(r *http.Request, raw []byte) {
	if !c.who.CanDrive() {
		_ = c.write(wsOut{Type: wsTypeError, Message: "driver or admin role required"})
		return
	}
	var rep model.PositionReport
	if err := json.Unmarshal(raw, &rep); err != nil {
		_ = c.write(wsOut{Type: wsTypeError, Message: "invalid position"})
		return
	}
	rep.Source = "ws:" + c.id
	out, err := c.s.Ingest.HandlePosition(r.Context(), rep)
	switch {
	case err == nil:
		_ = c.write(wsOut{Type: wsTypeAck, Data: map[string]any{"tripId": out.TripID, "currentStopIndex": out.StopIndex}})
	case droppedReport(err):
	default:
		_ = c.write(wsOut{Type: wsTypeError, Message: err.Error()})
	}
}
