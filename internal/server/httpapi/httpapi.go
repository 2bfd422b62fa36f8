package httpapi

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/vesselvm/vessel/internal/monitor"
	"github.com/vesselvm/vessel/internal/monitor/events"
	"github.com/vesselvm/vessel/internal/server/eventbus"
)

// GuestStatus is the API representation of the supervised guest.
type GuestStatus struct {
	State  string `json:"state"`
	Entry  string `json:"entry,omitempty"`
	Faults uint64 `json:"faults"`
}

// IRQBinding is the API representation of one source-to-virq registration.
type IRQBinding struct {
	Channel uint32 `json:"channel"`
	IRQ     uint32 `json:"irq"`
}

// New constructs the HTTP API router backed by the guest monitor.
func New(logger *slog.Logger, mon monitor.Monitor, bus eventbus.Bus) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))

	api := &apiServer{logger: logger, mon: mon, bus: bus}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	{
		guest := v1.Group("/guest")
		{
			guest.GET("", api.guestStatus)
			guest.GET("/irqs", api.guestIRQs)
		}
	}

	r.GET("/ws/v1/events", api.eventsWebSocket)

	return r
}

type apiServer struct {
	logger *slog.Logger
	mon    monitor.Monitor
	bus    eventbus.Bus
}

func (api *apiServer) guestStatus(c *gin.Context) {
	status := GuestStatus{
		State:  api.mon.State().String(),
		Faults: api.mon.Faults(),
	}
	if entry := api.mon.Entry(); entry != 0 {
		status.Entry = fmt.Sprintf("%#x", entry)
	}
	c.JSON(http.StatusOK, status)
}

func (api *apiServer) guestIRQs(c *gin.Context) {
	regs := api.mon.Registrations()
	bindings := make([]IRQBinding, 0, len(regs))
	for _, reg := range regs {
		bindings = append(bindings, IRQBinding{Channel: uint32(reg.Source), IRQ: reg.IRQ})
	}
	c.JSON(http.StatusOK, bindings)
}

// eventsWebSocket streams guest lifecycle events over a websocket until the
// client goes away.
func (api *apiServer) eventsWebSocket(c *gin.Context) {
	if api.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event streaming not available"})
		return
	}

	conn, err := (&websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}).Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		api.logger.Error("events ws upgrade", "error", err)
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	eventsCh := make(chan any, 16)
	unsubscribe, err := api.bus.Subscribe(events.TopicGuestEvents, eventsCh)
	if err != nil {
		api.logger.Error("events ws subscribe", "error", err)
		return
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-eventsCh:
			event, ok := payload.(events.GuestEvent)
			if !ok {
				continue
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}

// requestLogger adapts slog to Gin's middleware interface.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		args := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.String("latency", latency.String()),
			slog.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			args = append(args, slog.String("error", c.Errors.String()))
			logger.Error("http request", args...)
		} else {
			logger.Info("http request", args...)
		}
	}
}
