package transport

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/TrainLCD/THQ/internal/auth"
	"github.com/TrainLCD/THQ/internal/config"
	"github.com/TrainLCD/THQ/internal/domain"
	"github.com/TrainLCD/THQ/internal/ingest"
	"github.com/TrainLCD/THQ/internal/logging"
)

const (
	pingInterval       = config.DefaultPingInterval
	pongWaitMultiplier = 2
)

// handleDuplex upgrades a request to a WebSocket connection and runs the
// subscribe/location_update/log duplex protocol from spec §4.7.
func (s *Server) handleDuplex(c *gin.Context) {
	reqLogger := loggerFrom(c).With(logging.String("remote_addr", c.Request.RemoteAddr))
	ctx := c.Request.Context()

	protocolHeader := c.Request.Header.Get("Sec-WebSocket-Protocol")
	protocol, authErr := s.verifier.VerifyUpgrade(protocolHeader)
	if authErr != nil {
		reqLogger.Warn("duplex upgrade rejected", logging.Error(authErr))
		status := http.StatusUnauthorized
		if a, ok := authErr.(*auth.Error); ok {
			status = a.Status
		}
		c.Status(status)
		return
	}

	// Echo the subprotocol only when the client offered it.
	var responseHeader http.Header
	for _, offered := range websocket.Subprotocols(c.Request) {
		if offered == protocol {
			responseHeader = http.Header{"Sec-WebSocket-Protocol": []string{protocol}}
			break
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, responseHeader)
	if err != nil {
		reqLogger.Error("websocket upgrade failed", logging.Error(err))
		return
	}

	id := uuid.New()
	connLog := reqLogger.With(logging.String("subscriber", id.String()))
	send := make(chan string, sendBufferSize)

	waitDuration := time.Duration(pongWaitMultiplier) * pingInterval
	if err := conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
		connLog.Error("failed to set initial read deadline", logging.Error(err))
		_ = conn.Close()
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(waitDuration))
	})

	done := make(chan struct{})
	writerExited := make(chan struct{})
	go func() {
		defer close(writerExited)
		s.writeDuplex(conn, send, connLog, done)
	}()
	s.readDuplex(ctx, conn, send, id, writerExited, connLog)
	close(done)
}

// readDuplex drives the read side of the duplex protocol. writerExited is
// closed by the paired writer goroutine when it stops draining send; it is
// handed to the hub as this subscriber's liveness signal so a broadcast
// only evicts once the writer is actually gone, never on a single
// full-channel miss.
func (s *Server) readDuplex(ctx context.Context, conn *websocket.Conn, send chan<- string, id uuid.UUID, writerExited <-chan struct{}, log *logging.Logger) {
	subscribed := false
	device := ""
	defer func() {
		if subscribed {
			s.hub.RemoveSubscriber(id)
		}
		_ = conn.Close()
	}()

	waitDuration := time.Duration(pongWaitMultiplier) * pingInterval
	for {
		messageType, msg, err := conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				log.Warn("read deadline exceeded", logging.Error(err))
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Info("duplex connection closed", logging.Error(err))
			} else {
				log.Warn("duplex read error", logging.Error(err))
			}
			return
		}
		if err := conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
			log.Error("failed to extend read deadline", logging.Error(err))
			return
		}

		if messageType != websocket.TextMessage {
			sendError(send, domain.ErrWebsocketMessage, "binary frames are not supported")
			continue
		}

		parsed, err := domain.ParseIncoming(msg)
		if err != nil {
			sendError(send, domain.ErrJSONParse, err.Error())
			continue
		}

		switch parsed.Kind {
		case "subscribe":
			if parsed.Subscribe.Device != nil {
				device = *parsed.Subscribe.Device
			}
			if !subscribed {
				s.hub.AddSubscriber(id, send, writerExited)
				subscribed = true
				for _, payload := range s.hub.Snapshot() {
					select {
					case send <- payload:
					default:
					}
				}
				s.pipeline.AnnounceSubscriber(ctx, device)
			}
		case "location_update":
			loc := parsed.Location
			if loc.Device == "" {
				loc.Device = device
			}
			result, verr := s.pipeline.AcceptLocation(ctx, loc, ingest.Options{CoerceNegativeSpeedToAbsent: false})
			if verr != nil {
				ingest.RejectReason(verr)
				sendError(send, verr.Type, verr.Reason)
				continue
			}
			if result.Warning != nil {
				sendError(send, result.Warning.Type, result.Warning.Reason)
			}
		case "log":
			l := parsed.Log
			if l.Device == "" {
				l.Device = device
			}
			if _, verr := s.pipeline.AcceptLog(ctx, l); verr != nil {
				ingest.RejectReason(verr)
				sendError(send, verr.Type, verr.Reason)
				continue
			}
		}
	}
}

func (s *Server) writeDuplex(conn *websocket.Conn, send <-chan string, log *logging.Logger, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case <-done:
			return
		case msg, ok := <-send:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error("failed to set write deadline", logging.Error(err))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				log.Warn("duplex write error", logging.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				log.Warn("ping failure", logging.Error(err))
				return
			}
		}
	}
}

func sendError(send chan<- string, errType domain.ErrorType, reason string) {
	payload, err := domain.MarshalError(domain.OutgoingError{Type: errType, Reason: reason})
	if err != nil {
		return
	}
	select {
	case send <- string(payload):
	default:
	}
}
