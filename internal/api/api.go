// Package api exposes a sweep controller over HTTP.
//
// Control commands answer with an Ack carrying the generation and the
// last event id at the time of the answer, which is what an observer
// needs to reconcile its optimistic state. Reads never block on the
// controller: status comes from the snapshot, events from the log and
// the stream replays the backlog before it switches to live events.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CZERTAINLY/Sweeper/internal/broadcast"
	"github.com/CZERTAINLY/Sweeper/internal/eventlog"
	"github.com/CZERTAINLY/Sweeper/internal/model"
	"github.com/CZERTAINLY/Sweeper/internal/store"
)

const (
	BasePath         = "/api/v1/sweep"
	DefaultHeartbeat = 15 * time.Second
	// EventResync tells a stream client to catch up with the events query.
	EventResync = "resync"
)

// Controller is the subset of sweep.Controller served over HTTP.
type Controller interface {
	Start(ctx context.Context, params model.Params, force bool) (string, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Cancel(ctx context.Context) error
	Reset(ctx context.Context) error
	Snapshot() model.Snapshot
	Events(generation, since uint64, limit int) model.Page
	Subscribe(ctx context.Context) *broadcast.Subscription[model.Event]
	Results(known model.Membership) []model.Item
}

// History is the persisted record of sweeps.
type History interface {
	// List returns up to limit sweeps, newest first, without their items.
	List(ctx context.Context, limit int) ([]store.SweepRow, error)
	Get(ctx context.Context, id string) (store.SweepRow, error)
	Delete(ctx context.Context, id string) error
}

type Server struct {
	ctrl      Controller
	defaults  model.Params
	history   History
	gatherer  prometheus.Gatherer
	heartbeat time.Duration
	engine    *gin.Engine
}

type Option func(*Server)

// WithDefaults fills the fields a start request leaves empty.
func WithDefaults(p model.Params) Option {
	return func(s *Server) { s.defaults = p }
}

func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) { s.heartbeat = d }
}

func New(ctrl Controller, opts ...Option) *Server {
	s := &Server{
		ctrl:      ctrl,
		gatherer:  prometheus.DefaultGatherer,
		heartbeat: DefaultHeartbeat,
	}
	for _, o := range opts {
		o(s)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLog())
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	g := engine.Group(BasePath)
	g.POST("/start", s.start)
	g.POST("/pause", s.command("pause", ctrl.Pause))
	g.POST("/resume", s.command("resume", ctrl.Resume))
	g.POST("/cancel", s.command("cancel", ctrl.Cancel))
	g.POST("/reset", s.command("reset", ctrl.Reset))
	g.GET("/status", s.status)
	g.GET("/events", s.events)
	g.GET("/stream", s.stream)
	g.GET("/results", s.results)
	g.POST("/results", s.results)
	g.GET("/history", s.listHistory)
	g.GET("/history/:id", s.getHistory)
	g.DELETE("/history/:id", s.deleteHistory)
	s.engine = engine
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) start(c *gin.Context) {
	var req model.StartRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, fmt.Errorf("%w: %w", model.ErrInvalidParams, err))
			return
		}
	}
	params := s.withDefaults(req.Params)
	id, err := s.ctrl.Start(c.Request.Context(), params, req.Force)
	if err != nil {
		respondError(c, err)
		return
	}
	ack := s.ack()
	ack.TaskID = id
	c.JSON(http.StatusAccepted, ack)
}

func (s *Server) withDefaults(p model.Params) model.Params {
	if p.Kind == "" {
		p.Kind = s.defaults.Kind
	}
	if p.Profile == "" {
		p.Profile = s.defaults.Profile
	}
	if len(p.Scope) == 0 && p.Kind == s.defaults.Kind {
		p.Scope = append([]string(nil), s.defaults.Scope...)
	}
	if p.MaxHosts == 0 {
		p.MaxHosts = s.defaults.MaxHosts
	}
	return p
}

func (s *Server) command(name string, fn func(context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if err := fn(ctx); err != nil {
			slog.DebugContext(ctx, "command refused", "command", name, "error", err)
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, s.ack())
	}
}

func (s *Server) ack() model.Ack {
	snap := s.ctrl.Snapshot()
	return model.Ack{
		OK:          true,
		TaskID:      snap.TaskID,
		Generation:  snap.Generation,
		LastEventID: snap.LastEventID,
	}
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) events(c *gin.Context) {
	gen, err := queryUint(c, "generation")
	if err != nil {
		respondError(c, err)
		return
	}
	since, err := queryUint(c, "since")
	if err != nil {
		respondError(c, err)
		return
	}
	limit, err := queryUint(c, "limit")
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.ctrl.Events(gen, since, int(min(limit, eventlog.MaxPageLimit))))
}

func (s *Server) results(c *gin.Context) {
	var body struct {
		Known []string `json:"known"`
	}
	if c.Request.Method == http.MethodPost && c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			respondError(c, fmt.Errorf("%w: %w", model.ErrInvalidParams, err))
			return
		}
	}
	for _, k := range c.QueryArray("known") {
		body.Known = append(body.Known, strings.Split(k, ",")...)
	}
	items := s.ctrl.Results(model.NewMembership(body.Known...))
	c.JSON(http.StatusOK, model.Results{Items: items, Count: len(items)})
}

func (s *Server) listHistory(c *gin.Context) {
	limit, err := queryUint(c, "limit")
	if err != nil {
		respondError(c, err)
		return
	}
	if s.history == nil {
		c.JSON(http.StatusOK, []store.SweepRow{})
		return
	}
	rows, err := s.history.List(c.Request.Context(), int(limit))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) getHistory(c *gin.Context) {
	if s.history == nil {
		respondError(c, fmt.Errorf("%w: history is not configured", model.ErrNotFound))
		return
	}
	row, err := s.history.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, row)
}

func (s *Server) deleteHistory(c *gin.Context) {
	if s.history == nil {
		respondError(c, fmt.Errorf("%w: history is not configured", model.ErrNotFound))
		return
	}
	if err := s.history.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func queryUint(c *gin.Context, name string) (uint64, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", model.ErrInvalidParams, name, err)
	}
	return v, nil
}

func statusCode(code string) int {
	switch code {
	case model.CodeConflict, model.CodeInvalidTransition:
		return http.StatusConflict
	case model.CodeNoWorker, model.CodeNotFound:
		return http.StatusNotFound
	case model.CodeInvalidParams:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, err error) {
	code := model.ErrorCode(err)
	status := statusCode(code)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(c.Request.Context(), "request failed", "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(status, model.APIError{Code: code, Message: err.Error()})
}

func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.DebugContext(c.Request.Context(), "http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.String("elapsed", time.Since(start).String()),
		)
	}
}

// renderEvent writes one event frame. The frame id is
// `<generation>-<id>` so a reconnecting client can pass it back as
// Last-Event-ID.
func renderEvent(c *gin.Context, e model.Event) {
	c.Render(-1, sse.Event{
		Id:    fmt.Sprintf("%d-%d", e.Generation, e.ID),
		Event: string(e.Type()),
		Data:  e,
	})
}

func renderResync(c *gin.Context, generation uint64) {
	c.Render(-1, sse.Event{
		Event: EventResync,
		Data:  gin.H{"generation": generation},
	})
}

// parseLastEventID accepts `<generation>-<id>` or a plain id.
func parseLastEventID(raw string) (uint64, uint64, error) {
	genPart, idPart, ok := strings.Cut(raw, "-")
	if !ok {
		id, err := strconv.ParseUint(raw, 10, 64)
		return 0, id, err
	}
	gen, err := strconv.ParseUint(genPart, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	id, err := strconv.ParseUint(idPart, 10, 64)
	return gen, id, err
}
