package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/CZERTAINLY/Sweeper/internal/broadcast"
	"github.com/CZERTAINLY/Sweeper/internal/eventlog"
	"github.com/CZERTAINLY/Sweeper/internal/model"
)

// stream serves server-sent events. The client position comes from the
// since and generation query or from Last-Event-ID. The subscription is
// taken before the backlog is read, so no event falls between the two,
// and events repeated by both are written once. A client at another
// generation first gets a resync frame. A subscriber dropped for being
// slow gets a resync frame and the stream ends.
func (s *Server) stream(c *gin.Context) {
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
	if raw := c.GetHeader("Last-Event-ID"); raw != "" {
		g, id, err := parseLastEventID(raw)
		if err != nil {
			respondError(c, fmt.Errorf("%w: Last-Event-ID %q: %w", model.ErrInvalidParams, raw, err))
			return
		}
		gen, since = g, id
	}

	ctx := c.Request.Context()
	sub := s.ctrl.Subscribe(ctx)

	c.Header("Content-Type", sse.ContentType)
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	page := s.ctrl.Events(gen, since, eventlog.MaxPageLimit)
	current := page.Generation
	if gen != 0 && gen != current {
		renderResync(c, current)
		since = 0
	}
	last := since
	for {
		for _, e := range page.Events {
			renderEvent(c, e)
			last = e.ID
		}
		if len(page.Events) == 0 || last >= page.LastID {
			break
		}
		// a new generation is on the subscription already
		if page = s.ctrl.Events(current, last, eventlog.MaxPageLimit); page.Generation != current {
			break
		}
	}
	c.Writer.Flush()
	slog.DebugContext(ctx, "stream connected", "generation", current, "last_event_id", last)

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := c.Writer.WriteString(":heartbeat\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		case e, ok := <-sub.C():
			if !ok {
				if errors.Is(sub.Err(), broadcast.ErrSlowSubscriber) {
					slog.WarnContext(ctx, "stream subscriber dropped", "last_event_id", last)
					renderResync(c, current)
					c.Writer.Flush()
				}
				return
			}
			switch {
			case e.Generation < current:
				continue
			case e.Generation > current:
				current, last = e.Generation, 0
			}
			if e.ID <= last {
				continue
			}
			renderEvent(c, e)
			last = e.ID
			c.Writer.Flush()
		}
	}
}
