package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	appLog "github.com/bobuk/calsync/internal/log"
	"github.com/bobuk/calsync/internal/model"
	"github.com/bobuk/calsync/internal/syncer"
	"github.com/bobuk/calsync/internal/transport"
)

type Engine interface {
	TriggerSync(ctx context.Context, userID string) syncer.SyncResult
	SyncStatus(userID string) syncer.Status
	Users() []string
	Connect(userID string)
	Disconnect(userID string)
	Push(ctx context.Context, userID, localID string, op syncer.PushOp) error
}

type EventStore interface {
	ListEvents(ctx context.Context, userID string) ([]model.CalendarEvent, error)
	GetEvent(ctx context.Context, userID, id string) (*model.CalendarEvent, error)
	UpsertEvent(ctx context.Context, e *model.CalendarEvent) error
	UpdateEventContent(ctx context.Context, e *model.CalendarEvent) error
}

type Scheduler interface {
	Add(userID string)
	Remove(userID string)
	NetworkRestored(ctx context.Context) map[string]syncer.SyncResult
}

type Handler struct {
	engine Engine
	events EventStore
	sched  Scheduler
	schema *jsonschema.Schema
	now    func() time.Time
	newID  func() string
}

func NewHandler(engine Engine, events EventStore, sched Scheduler) (*Handler, error) {
	schema, err := compileEventSchema()
	if err != nil {
		return nil, err
	}
	return &Handler{
		engine: engine,
		events: events,
		sched:  sched,
		schema: schema,
		now:    time.Now,
		newID:  uuid.NewString,
	}, nil
}

type eventBody struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Date        string `json:"date"`
	StartTime   string `json:"startTime"`
	EndTime     string `json:"endTime"`
}

type eventResponse struct {
	Event     *model.CalendarEvent `json:"event"`
	PushError string               `json:"pushError,omitempty"`
}

func account(c *gin.Context) string {
	return strings.TrimSpace(c.Param("account"))
}

func (h *Handler) TriggerSync(c *gin.Context) {
	res := h.engine.TriggerSync(c.Request.Context(), account(c))
	status := http.StatusOK
	switch {
	case res.ReconnectRequired:
		status = http.StatusUnauthorized
	case !res.Success:
		status = http.StatusBadGateway
	}
	c.JSON(status, res)
}

func (h *Handler) SyncStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.SyncStatus(account(c)))
}

// Sessions reports the status of every account the engine has seen.
func (h *Handler) Sessions(c *gin.Context) {
	users := h.engine.Users()
	out := make([]syncer.Status, 0, len(users))
	for _, u := range users {
		out = append(out, h.engine.SyncStatus(u))
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) Connect(c *gin.Context) {
	acc := account(c)
	h.engine.Connect(acc)
	h.sched.Add(acc)
	c.JSON(http.StatusOK, h.engine.SyncStatus(acc))
}

func (h *Handler) Disconnect(c *gin.Context) {
	acc := account(c)
	h.sched.Remove(acc)
	h.engine.Disconnect(acc)
	c.JSON(http.StatusOK, h.engine.SyncStatus(acc))
}

func (h *Handler) NetworkRestored(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"results": h.sched.NetworkRestored(c.Request.Context())})
}

func (h *Handler) ListEvents(c *gin.Context) {
	events, err := h.events.ListEvents(c.Request.Context(), account(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if events == nil {
		events = []model.CalendarEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *Handler) readBody(c *gin.Context) (eventBody, bool) {
	var body eventBody
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read body"})
		return body, false
	}
	if err := validateBody(h.schema, raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return body, false
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return body, false
	}
	return body, true
}

func (h *Handler) CreateEvent(c *gin.Context) {
	body, ok := h.readBody(c)
	if !ok {
		return
	}
	acc := account(c)
	now := h.now()
	e := &model.CalendarEvent{
		ID:          h.newID(),
		UserID:      acc,
		Title:       body.Title,
		Description: body.Description,
		Date:        body.Date,
		StartTime:   body.StartTime,
		EndTime:     body.EndTime,
		Source:      model.SourceLocal,
		SyncStatus:  model.StatusUnsynced,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Validate(); err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.events.UpsertEvent(c.Request.Context(), e); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, h.push(c, e))
}

func (h *Handler) UpdateEvent(c *gin.Context) {
	body, ok := h.readBody(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	e, err := h.events.GetEvent(ctx, account(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	e.Title = body.Title
	e.Description = body.Description
	e.Date = body.Date
	e.StartTime = body.StartTime
	e.EndTime = body.EndTime
	e.UpdatedAt = h.now()
	if err := e.Validate(); err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.events.UpdateEventContent(ctx, e); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.push(c, e))
}

// push sends a fresh local edit right away. A failed push is reported but
// the edit stays saved and goes out with the next cycle.
func (h *Handler) push(c *gin.Context, e *model.CalendarEvent) eventResponse {
	ctx := c.Request.Context()
	resp := eventResponse{Event: e}
	if err := h.engine.Push(ctx, e.UserID, e.ID, syncer.PushUpsert); err != nil {
		appLog.Info("push after edit failed", "user", e.UserID, "event", e.ID, "err", err)
		resp.PushError = err.Error()
	}
	if fresh, err := h.events.GetEvent(ctx, e.UserID, e.ID); err == nil {
		resp.Event = fresh
	}
	return resp
}

func (h *Handler) DeleteEvent(c *gin.Context) {
	if err := h.engine.Push(c.Request.Context(), account(c), c.Param("id"), syncer.PushDelete); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var (
		verr *model.ValidationError
		terr *transport.Error
	)
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, model.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, syncer.ErrDisconnected):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &terr):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		appLog.Error("request failed", err, "path", c.FullPath())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
