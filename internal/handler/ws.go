package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/GoDePIN/orchgate/internal/model"
	"github.com/GoDePIN/orchgate/internal/pkg/logger"
	"github.com/GoDePIN/orchgate/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsPushInterval   = 5 * time.Second
	wsPingInterval   = 30 * time.Second
	wsMaxMissedPongs = 2
	wsShutdownGrace  = 5 * time.Second
	wsWriteTimeout   = 10 * time.Second
)

// WsHandler upgrades authenticated connections and serves one session
// goroutine per client. Auth and rate limiting run on the upgrade request;
// frames are not limited.
type WsHandler struct {
	orch     *service.Orchestrator
	upgrader websocket.Upgrader

	shutdownCtx context.Context
}

func NewWsHandler(orch *service.Orchestrator, shutdownCtx context.Context) *WsHandler {
	return &WsHandler{
		orch: orch,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		shutdownCtx: shutdownCtx,
	}
}

// wsSession tracks one client's subscription filter. With all set, every
// protocol is sent; otherwise only the subscribed set is sent, and nothing
// when that set is empty.
type wsSession struct {
	mu        sync.Mutex
	subscribed map[string]bool
	all        bool
}

func (s *wsSession) subscribe(protocol *string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if protocol == nil {
		s.all = true
		s.subscribed = nil
		return
	}
	if s.subscribed == nil {
		s.subscribed = make(map[string]bool)
	}
	s.subscribed[*protocol] = true
}

func (s *wsSession) unsubscribe(protocol *string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if protocol == nil {
		s.all = false
		s.subscribed = nil
		return
	}
	delete(s.subscribed, *protocol)
}

// filter narrows a snapshot to the subscribed protocol subset.
func (s *wsSession) filter(m model.AggregatedMetrics) (model.AggregatedMetrics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.all {
		return m, true
	}
	if len(s.subscribed) == 0 {
		return model.AggregatedMetrics{}, false
	}
	out := model.AggregatedMetrics{
		Timestamp:            m.Timestamp,
		ResourceUtilization:  m.ResourceUtilization,
		EarningsByProtocol:   make(map[string]float64),
		AllocationByProtocol: make(map[string]float64),
		ConnectionStatus:     make(map[string]bool),
	}
	for proto := range s.subscribed {
		if rate, ok := m.EarningsByProtocol[proto]; ok {
			out.EarningsByProtocol[proto] = rate
			out.AllocationByProtocol[proto] = m.AllocationByProtocol[proto]
			out.ConnectionStatus[proto] = m.ConnectionStatus[proto]
			out.TotalEarningsPerHour += rate
		}
	}
	return out, len(out.EarningsByProtocol) > 0
}

func (h *WsHandler) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	go h.runSession(conn)
}

func (h *WsHandler) runSession(conn *websocket.Conn) {
	defer conn.Close()
	logger.Info("websocket session opened", "remote", conn.RemoteAddr().String())

	session := &wsSession{all: true}
	incoming := make(chan model.WsClientMessage, 8)
	readDone := make(chan struct{})

	go func() {
		defer close(readDone)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg model.WsClientMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				continue
			}
			select {
			case incoming <- msg:
			default:
			}
		}
	}()

	alerts := h.orch.Monitor.Subscribe()
	pushTicker := time.NewTicker(wsPushInterval)
	defer pushTicker.Stop()
	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()

	missedPongs := 0
	write := func(v any) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(v)
	}

	for {
		select {
		case <-h.shutdownCtx.Done():
			deadline := time.Now().Add(wsShutdownGrace)
			conn.SetWriteDeadline(deadline)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
			return

		case <-readDone:
			logger.Info("websocket session closed by client")
			return

		case msg := <-incoming:
			switch msg.Type {
			case "Subscribe":
				session.subscribe(msg.Protocol)
			case "Unsubscribe":
				session.unsubscribe(msg.Protocol)
			case "Ping":
				if err := write(model.WsPong{Type: "Pong"}); err != nil {
					return
				}
			case "Pong":
				missedPongs = 0
			}

		case <-pushTicker.C:
			snapshot, ok := h.orch.Coordinator.Latest()
			if !ok {
				continue
			}
			filtered, send := session.filter(snapshot)
			if !send {
				continue
			}
			if err := write(model.WsMetricsUpdate{Type: "MetricsUpdate", Metrics: filtered}); err != nil {
				return
			}

		case alert := <-alerts:
			if err := write(model.WsAlertNotification{Type: "AlertNotification", Alert: alert}); err != nil {
				return
			}

		case <-pingTicker.C:
			missedPongs++
			if missedPongs > wsMaxMissedPongs {
				logger.Info("websocket session closed, missed pongs")
				return
			}
			if err := write(gin.H{"type": "Ping"}); err != nil {
				return
			}
		}
	}
}
