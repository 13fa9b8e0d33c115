// Package monitor serves live traffic counters over HTTP: a JSON snapshot at
// /stats and a once-per-second WebSocket feed at /ws.
package monitor

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/graceful"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/1ureka/vtx/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Report is the body of /stats and of every /ws message.
type Report struct {
	Info  map[string]string `json:"info,omitempty"`
	Stats util.Snapshot     `json:"stats"`
}

// Monitor publishes util.Stats along with fixed stream info.
type Monitor struct {
	info     map[string]string
	interval time.Duration
}

// New creates a monitor. info is static metadata such as the stream id.
func New(info map[string]string) *Monitor {
	return &Monitor{info: info, interval: time.Second}
}

// Run serves on addr (e.g. ":8080") until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, addr string) error {
	gin.SetMode(gin.ReleaseMode)
	gin.DefaultWriter = io.Discard

	router, err := graceful.Default(graceful.WithAddr(addr))
	if err != nil {
		return err
	}

	m.register(ctx, router)

	util.LogInfo("monitor listening on %s", addr)
	return router.RunWithContext(ctx)
}

func (m *Monitor) register(ctx context.Context, r gin.IRoutes) {
	r.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, m.report())
	})
	r.GET("/ws", func(c *gin.Context) {
		m.serveFeed(ctx, c)
	})
}

func (m *Monitor) report() Report {
	return Report{Info: m.info, Stats: util.Stats.Snapshot()}
}

// serveFeed pushes a report every interval until the client leaves or ctx is
// cancelled.
func (m *Monitor) serveFeed(ctx context.Context, c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// the feed is one-way; reading only detects the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if err := conn.WriteJSON(m.report()); err != nil {
			util.LogDebug("monitor feed closed: %v", err)
			return
		}

		select {
		case <-ticker.C:
		case <-gone:
			return
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		}
	}
}
