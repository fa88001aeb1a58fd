package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/atlasbridge/atlasbridge/internal/audit"
	"github.com/atlasbridge/atlasbridge/internal/autopilot"
	"github.com/atlasbridge/atlasbridge/internal/common/constants"
	"github.com/atlasbridge/atlasbridge/internal/events/bus"
	"github.com/atlasbridge/atlasbridge/internal/policy"
)

// StatusResponse is the control API's status payload.
type StatusResponse struct {
	Pid           int            `json:"pid"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	StateDir      string         `json:"state_dir"`
	AutopilotMode string         `json:"autopilot_mode"`
	Paused        bool           `json:"paused"`
	PolicyHash    string         `json:"policy_hash"`
	BusConnected  bool           `json:"bus_connected"`
	LiveSessions  int            `json:"live_sessions"`
	PromptCounts  map[string]int `json:"prompt_counts"`
}

// apiHandler builds the gin router for the local control API. The API binds
// to loopback only; there is no authentication layer.
func (d *Daemon) apiHandler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	v1 := r.Group("/v1")
	{
		v1.GET("/status", d.handleStatus)
		v1.GET("/sessions", d.handleSessions)
		v1.GET("/logs", d.handleLogs)
		v1.GET("/events/ws", d.handleEventStream)
		v1.POST("/stop", d.handleStop)
		v1.POST("/prompts/:id/cancel", d.handleCancelPrompt)

		ap := v1.Group("/autopilot")
		{
			ap.POST("/pause", d.handlePause)
			ap.POST("/resume", d.handleResume)
			ap.PUT("/mode", d.handleSetMode)
		}
	}
	return r
}

func (d *Daemon) handleStatus(c *gin.Context) {
	counts, err := d.store.CountsByState(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	byName := make(map[string]int, len(counts))
	for st, n := range counts {
		byName[string(st)] = n
	}
	c.JSON(http.StatusOK, StatusResponse{
		Pid:           os.Getpid(),
		UptimeSeconds: int64(time.Since(d.startedAt).Seconds()),
		StateDir:      d.cfg.StateDir,
		AutopilotMode: string(d.engine.Mode()),
		Paused:        d.engine.Paused(),
		PolicyHash:    d.engine.Policy().ContentHash(),
		BusConnected:  d.bus.IsConnected(),
		LiveSessions:  d.sessions.Count(),
		PromptCounts:  byName,
	})
}

func (d *Daemon) handleSessions(c *gin.Context) {
	stored, err := d.store.ListSessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	live := make(map[string]bool)
	for _, info := range d.sessions.List() {
		live[info.SessionID] = true
	}
	type sessionView struct {
		SessionID string `json:"session_id"`
		Tool      string `json:"tool"`
		Label     string `json:"label,omitempty"`
		StartedAt int64  `json:"started_at"`
		EndedAt   int64  `json:"ended_at,omitempty"`
		Live      bool   `json:"live"`
	}
	out := make([]sessionView, 0, len(stored))
	for _, s := range stored {
		v := sessionView{
			SessionID: s.SessionID,
			Tool:      s.Tool,
			Label:     s.Label,
			StartedAt: s.StartedAt,
			Live:      live[s.SessionID],
		}
		if s.EndedAt.Valid {
			v.EndedAt = s.EndedAt.Int64
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// handleLogs tails the audit chain, or the decision trace with ?decisions=1.
// An optional ?session= filters audit records by session id.
func (d *Daemon) handleLogs(c *gin.Context) {
	n, _ := strconv.Atoi(c.DefaultQuery("tail", "50"))
	if n <= 0 {
		n = 50
	}

	if c.Query("decisions") == "1" || c.Query("decisions") == "true" {
		entries, err := autopilot.TailTrace(
			filepath.Join(d.cfg.StateDir, constants.TraceFilename), n)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"decisions": entries})
		return
	}

	records, err := audit.Tail(filepath.Join(d.cfg.StateDir, constants.AuditFilename), 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sessionID := c.Query("session"); sessionID != "" {
		records = filterBySession(records, sessionID)
	}
	if len(records) > n {
		records = records[len(records)-n:]
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func filterBySession(records []audit.Record, sessionID string) []audit.Record {
	out := records[:0:0]
	for _, rec := range records {
		var data struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(rec.Data, &data); err == nil && data.SessionID == sessionID {
			out = append(out, rec)
		}
	}
	return out
}

func (d *Daemon) handlePause(c *gin.Context) {
	if err := autopilot.Pause(d.cfg.StateDir); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	d.log.Info("autopilot paused via api")
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (d *Daemon) handleResume(c *gin.Context) {
	if err := autopilot.Resume(d.cfg.StateDir); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	d.log.Info("autopilot resumed via api")
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

func (d *Daemon) handleSetMode(c *gin.Context) {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"mode\": \"off|assist|full\"}"})
		return
	}
	mode, err := autopilot.ParseMode(body.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d.engine.SetMode(mode)

	// Mode changes may follow a policy edit; reload it too.
	policyPath := d.cfg.Autopilot.PolicyPath
	if policyPath == "" {
		policyPath = filepath.Join(d.cfg.StateDir, constants.PolicyFilename)
	}
	if pol, err := policy.LoadOrDefault(policyPath); err == nil {
		d.engine.SetPolicy(pol)
	} else {
		d.log.Warn("policy reload failed, keeping previous policy", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"mode": string(mode)})
}

func (d *Daemon) handleCancelPrompt(c *gin.Context) {
	promptID := c.Param("id")
	if err := d.store.CancelPrompt(c.Request.Context(), promptID); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	d.rec.PromptEvent(audit.KindCanceled, promptID, "", map[string]any{"via": "api"})
	c.JSON(http.StatusOK, gin.H{"canceled": promptID})
}

func (d *Daemon) handleStop(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stopping": true})
	go d.Stop()
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Loopback-only API: browser origin checks do not apply.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEventStream upgrades to a websocket and forwards every bus event
// until the client goes away.
func (d *Daemon) handleEventStream(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events := make(chan *bus.Event, 64)
	sub, err := d.bus.Subscribe("atlasbridge.>", func(ctx context.Context, e *bus.Event) error {
		select {
		case events <- e:
		default:
			// Slow consumer: drop rather than block the bus.
		}
		return nil
	})
	if err != nil {
		return
	}
	defer sub.Unsubscribe()

	// Reader goroutine notices the peer closing.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case e := <-events:
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		}
	}
}
