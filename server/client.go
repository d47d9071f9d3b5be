package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wardenscan/warden/logger"
	"github.com/wardenscan/warden/scan"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer; the feed is server-to-client,
	// clients only send control frames
	maxMessageSize = 4096
)

// feedClient is one WebSocket consumer of a scan's event stream.
type feedClient struct {
	server *Server
	conn   *websocket.Conn
	sub    *scan.Subscription
	scanID string
}

// HandleScanFeed handles requests to /ws/scans/{id}: it upgrades the
// connection and streams the scan's events with full replay. The socket
// closes normally once the stream ends.
func (s *Server) HandleScanFeed(w http.ResponseWriter, r *http.Request) {
	pathParts := extractPathParts(r.URL.Path, "/ws/scans/")
	if len(pathParts) == 0 || pathParts[0] == "" {
		writeError(w, http.StatusBadRequest, "Missing scan ID")
		return
	}
	scanID := pathParts[0]

	// Subscribe before upgrading so unknown scans still get a clean 404.
	sub, err := s.scans.SubscribeScan(scanID)
	if err != nil {
		handleError(w, s.log, err, "failed to subscribe to scan")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  2048,
		WriteBufferSize: 2048,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		s.log.Warnw("WebSocket upgrade failed",
			logger.FieldScanID, shortID(scanID),
			logger.FieldError, err,
		)
		return
	}

	client := &feedClient{
		server: s,
		conn:   conn,
		sub:    sub,
		scanID: scanID,
	}

	s.log.Debugw("Scan feed connected",
		logger.FieldScanID, shortID(scanID),
		logger.FieldClientID, clientIP(r),
	)

	s.wg.Add(2)
	go client.writePump()
	go client.readPump()
}

// readPump consumes control frames so pongs are processed and client
// disconnects are noticed. A read error ends the subscription, which in
// turn ends the write pump.
func (c *feedClient) readPump() {
	defer func() {
		c.sub.Close()
		c.conn.Close()
		c.server.wg.Done()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.server.log.Warnw("WebSocket read error",
					logger.FieldScanID, shortID(c.scanID),
					logger.FieldError, err,
				)
			}
			return
		}
	}
}

// writePump streams subscription events to the peer. It owns all writes to
// the connection, including pings and the final close frame.
func (c *feedClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.sub.Close()
		c.conn.Close()
		c.server.wg.Done()
	}()

	for {
		select {
		case <-c.server.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return

		case event, ok := <-c.sub.Events():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Stream ended: the scan settled and every event has been
				// delivered. Close the socket normally.
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "scan finished"))
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				c.server.log.Debugw("Scan feed write error",
					logger.FieldScanID, shortID(c.scanID),
					logger.FieldError, err,
				)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
