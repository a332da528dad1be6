package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ssau-fiit/cloudocs-ot/internal/mediator"
	"github.com/ssau-fiit/cloudocs-ot/internal/ot"
	"github.com/ssau-fiit/cloudocs-ot/internal/protocol"
)

const joinAttempts = 8

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type outgoing struct {
	data []byte
	last bool
}

// conn is one participant's websocket. Only writePump writes to ws.
type conn struct {
	id    string
	doc   string
	site  ot.SiteID
	ws    *websocket.Conn
	codec protocol.Codec
	send  chan outgoing
	done  chan struct{}
	once  sync.Once
	log   zerolog.Logger
}

func newConn(ws *websocket.Conn, doc string, codec protocol.Codec, queue int, log zerolog.Logger) *conn {
	id := uuid.NewString()
	return &conn{
		id:    id,
		doc:   doc,
		ws:    ws,
		codec: codec,
		send:  make(chan outgoing, queue),
		done:  make(chan struct{}),
		log:   log.With().Str("conn", id).Str("document", doc).Logger(),
	}
}

// enqueue never blocks. A participant whose queue is full is disconnected;
// it resyncs when it joins again.
func (c *conn) enqueue(msg protocol.Message, last bool) {
	data, err := c.codec.Encode(msg)
	if err != nil {
		c.log.Error().Err(err).Str("kind", string(msg.Kind())).Msg("failed to encode message")
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- outgoing{data: data, last: last}:
	default:
		c.log.Warn().Uint32("site", uint32(c.site)).Msg("send queue full, dropping participant")
		c.close()
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *conn) messageType() int {
	if c.codec.Binary() {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

func (c *conn) writePump(pingInterval, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case out := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(c.messageType(), out.data); err != nil {
				c.log.Debug().Err(err).Msg("failed to write message")
				c.close()
				return
			}
			if out.last {
				c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeTimeout))
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

type connKey struct {
	doc  string
	site ot.SiteID
}

// registry routes mediator output to websockets.
type registry struct {
	mu    sync.Mutex
	conns map[connKey]*conn
	log   zerolog.Logger
}

func newRegistry(log zerolog.Logger) *registry {
	return &registry{conns: make(map[connKey]*conn), log: log}
}

// Send implements mediator.Sender. An error message ends the participant's
// session once it is written.
func (r *registry) Send(to ot.SiteID, msg protocol.Message) {
	r.mu.Lock()
	c := r.conns[connKey{msg.Document(), to}]
	r.mu.Unlock()
	if c == nil {
		r.log.Debug().Str("document", msg.Document()).Uint32("site", uint32(to)).Msg("no connection for message")
		return
	}
	_, last := msg.(protocol.ErrorMessage)
	c.enqueue(msg, last)
}

func (r *registry) add(c *conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := connKey{c.doc, c.site}
	if _, ok := r.conns[k]; ok {
		return false
	}
	r.conns[k] = c
	return true
}

func (r *registry) remove(c *conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := connKey{c.doc, c.site}
	if r.conns[k] == c {
		delete(r.conns, k)
	}
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *registry) closeAll() {
	r.mu.Lock()
	conns := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func (s *Server) handleSocket(c *gin.Context) {
	id := c.Param("id")

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	_, err := s.store.GetDocument(ctx, id)
	cancel()
	if err != nil {
		s.abortStoreError(c, err)
		return
	}

	var site ot.SiteID
	if q := c.Query("site"); q != "" {
		n, err := strconv.ParseUint(q, 10, 32)
		if err != nil || n == 0 {
			c.AbortWithStatus(http.StatusBadRequest)
			return
		}
		site = ot.SiteID(n)
	}
	codec, err := protocol.CodecByName(c.Query("codec"))
	if err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("error upgrading connection")
		return
	}

	conn := newConn(ws, id, codec, s.cfg.SendQueue, s.log)
	go conn.writePump(s.cfg.PingInterval, s.cfg.WriteTimeout)
	defer conn.close()

	m, err := s.join(conn, site)
	if err != nil {
		conn.log.Warn().Err(err).Msg("join failed")
		conn.enqueue(protocol.ErrorMessage{DocumentID: id, Message: err.Error()}, true)
		<-conn.done
		return
	}
	defer func() {
		s.conns.remove(conn)
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := s.hub.Leave(ctx, id, conn.site); err != nil {
			conn.log.Error().Err(err).Msg("failed to close document")
		}
	}()

	s.readPump(conn, m)
}

// join registers conn and adds it to its document. Site 0 picks a free id.
func (s *Server) join(conn *conn, site ot.SiteID) (*mediator.Mediator, error) {
	for attempt := 0; attempt < joinAttempts; attempt++ {
		conn.site = site
		if site == 0 {
			conn.site = ot.SiteID(s.nextSite.Add(1))
		}
		if !s.conns.add(conn) {
			if site != 0 {
				return nil, fmt.Errorf("%w: %d", mediator.ErrParticipantExists, site)
			}
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		m, _, err := s.hub.Join(ctx, conn.doc, conn.site)
		cancel()
		if err == nil {
			return m, nil
		}
		s.conns.remove(conn)
		if site != 0 || !errors.Is(err, mediator.ErrParticipantExists) {
			return nil, err
		}
	}
	return nil, errors.New("no free site id")
}

func (s *Server) readPump(conn *conn, m *mediator.Mediator) {
	ws := conn.ws
	ws.SetReadLimit(s.cfg.MaxMessageSize)
	wait := 2 * s.cfg.PingInterval
	ws.SetReadDeadline(time.Now().Add(wait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				conn.log.Debug().Err(err).Msg("connection lost")
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(wait))

		msg, err := conn.codec.Decode(data)
		if err != nil {
			conn.log.Warn().Err(err).Msg("failed to decode message")
			conn.enqueue(protocol.ErrorMessage{DocumentID: conn.doc, Message: err.Error()}, false)
			continue
		}
		if msg.Document() != conn.doc {
			conn.enqueue(protocol.ErrorMessage{DocumentID: conn.doc, Message: "message for another document"}, false)
			continue
		}
		if _, ok := msg.(protocol.Leave); ok {
			return
		}
		if err := m.Handle(conn.site, msg); err != nil {
			conn.log.Warn().Err(err).Uint32("site", uint32(conn.site)).Str("kind", string(msg.Kind())).Msg("rejected message")
			conn.enqueue(protocol.ErrorMessage{DocumentID: conn.doc, Message: err.Error()}, false)
		}
	}
}
