package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/navid-fn/marketlens/internal/models"
)

const (
	streamBuffer       = 64
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
	streamPongTimeout  = 60 * time.Second
)

// StreamHandler pushes live UnifiedMarketData to websocket clients.
type StreamHandler struct {
	service  MarketService
	upgrader websocket.Upgrader
	logger   logrus.FieldLogger
}

func NewStreamHandler(service MarketService, logger logrus.FieldLogger) *StreamHandler {
	return &StreamHandler{
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.WithField("component", "stream"),
	}
}

// Stream serves GET /v1/stream?symbols=BTC,ETH. Closing the socket ends the
// subscription; a subscription closed by the server (shutdown or upstream
// end) closes the socket with a normal-closure frame.
func (h *StreamHandler) Stream(c *gin.Context) {
	symbols := SplitSymbols(c.Query("symbols"))
	if len(symbols) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbols is required"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	log := h.logger.WithField("conn", id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan models.UnifiedMarketData, streamBuffer)
	sub, err := h.service.SubscribeToMarketUpdates(ctx, symbols, func(rec models.UnifiedMarketData) {
		select {
		case updates <- rec:
		default:
			log.Debugf("client slow, dropping %s update", rec.Symbol)
		}
	})
	if err != nil {
		log.Warnf("subscribe %v failed: %v", symbols, err)
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(streamWriteTimeout))
		return
	}
	defer h.service.Unsubscribe(sub)
	log.Infof("client subscribed to %v", symbols)

	go h.readLoop(conn, cancel)

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("client disconnected")
			return
		case <-sub.Done():
			log.Info("subscription closed by server")
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "subscription closed")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(streamWriteTimeout))
			return
		case rec := <-updates:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(rec); err != nil {
				log.Warnf("write failed: %v", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				log.Warnf("ping failed: %v", err)
				return
			}
		}
	}
}

// readLoop discards client frames and cancels once the socket closes.
func (h *StreamHandler) readLoop(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	_ = conn.SetReadDeadline(time.Now().Add(streamPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongTimeout))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				h.logger.Debugf("stream read ended: %v", err)
			}
			return
		}
	}
}
