package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/reachflow/pulse/internal/broker"
	"github.com/reachflow/pulse/internal/model"
	"github.com/reachflow/pulse/internal/registry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// clientFrame is the envelope for everything a client sends over the
// socket. The payload rides under data, mirroring the server envelope.
type clientFrame struct {
	Type string        `json:"type"`
	Data clientPayload `json:"data"`
}

type clientPayload struct {
	Channel   string               `json:"channel,omitempty"`
	Timestamp int64                `json:"timestamp,omitempty"`
	Metric    string               `json:"metric,omitempty"`
	Threshold float64              `json:"threshold,omitempty"`
	Condition model.AlertCondition `json:"condition,omitempty"`
}

// handleWebSocket authenticates the token from the query string before
// upgrading; a bad token never reaches the socket layer.
func (s *Server) handleWebSocket(c *gin.Context) {
	claims, err := s.auth.Validate(c.Query("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	sess := registry.NewSession(claims.UserID, claims.Tier)
	if err := s.registry.Add(sess); err != nil {
		if errors.Is(err, registry.ErrConnectionLimit) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.registry.Remove(sess.ID)
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	s.logger.Info("WebSocket connected",
		zap.String("connection_id", sess.ID),
		zap.String("user_id", sess.UserID),
		zap.String("tier", string(sess.Tier)))

	limits := model.LimitsFor(sess.Tier)
	s.pushEvent(sess, broker.ConnectionStatus{
		ConnectionID: sess.ID,
		Tier:         sess.Tier,
		MaxChannels:  limits.MaxChannels,
	})

	go s.writePump(sess, conn)
	go s.readPump(sess, conn)
}

// readPump processes inbound frames until the socket closes, then
// releases the session's subscriptions and registry slot.
func (s *Server) readPump(sess *registry.Session, conn *websocket.Conn) {
	defer func() {
		s.broker.UnsubscribeAll(sess.ID)
		s.registry.Remove(sess.ID)
		conn.Close()
		s.logger.Info("WebSocket disconnected",
			zap.String("connection_id", sess.ID),
			zap.String("user_id", sess.UserID))
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		sess.Touch()
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("WebSocket read error",
					zap.String("connection_id", sess.ID),
					zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		sess.Touch()

		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.pushEvent(sess, broker.ErrorMessage{Reason: "malformed frame"})
			continue
		}
		s.dispatchFrame(sess, &frame)
	}
}

func (s *Server) dispatchFrame(sess *registry.Session, frame *clientFrame) {
	switch frame.Type {
	case "subscribe":
		sub, err := s.broker.Subscribe(sess, frame.Data.Channel)
		if err != nil {
			s.pushEvent(sess, broker.SubscriptionError{
				Channel: frame.Data.Channel,
				Reason:  err.Error(),
			})
			return
		}
		s.pushEvent(sess, broker.SubscriptionSuccess{
			Channel:  sub.Channel,
			Interval: s.broker.IntervalFor(sub.Channel, sess.Tier),
		})

	case "unsubscribe":
		if err := s.broker.Unsubscribe(sess.ID, frame.Data.Channel); err != nil {
			s.pushEvent(sess, broker.SubscriptionError{
				Channel: frame.Data.Channel,
				Reason:  err.Error(),
			})
		}

	case "ping":
		s.pushEvent(sess, broker.Pong{Timestamp: frame.Data.Timestamp})

	case "set_alert_threshold":
		rule, err := s.engine.SetThreshold(sess.UserID, frame.Data.Metric, frame.Data.Threshold, frame.Data.Condition)
		if err != nil {
			s.pushEvent(sess, broker.ErrorMessage{Reason: err.Error()})
			return
		}
		s.logger.Info("Threshold set over socket",
			zap.String("user_id", sess.UserID),
			zap.String("rule_id", rule.ID),
			zap.String("metric", frame.Data.Metric))

	default:
		s.pushEvent(sess, broker.ErrorMessage{Reason: "unknown frame type: " + frame.Type})
	}
}

// writePump drains the session's outbound buffer and keeps the socket
// alive with protocol pings. It exits when the registry closes the
// session's channel.
func (s *Server) writePump(sess *registry.Session, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sess.Outbound():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) pushEvent(sess *registry.Session, ev broker.Event) {
	data, err := broker.Encode(ev)
	if err != nil {
		s.logger.Error("Failed to encode event", zap.Error(err))
		return
	}
	if err := sess.Push(data); err != nil {
		s.logger.Warn("Dropped outbound message",
			zap.String("connection_id", sess.ID),
			zap.Error(err))
	}
}
