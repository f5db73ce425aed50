package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-messenger/internal/domain"
	"github.com/ramiqadoumi/go-messenger/internal/idempotency"
	"github.com/ramiqadoumi/go-messenger/internal/kafka"
	"github.com/ramiqadoumi/go-messenger/internal/postgres"
	"github.com/ramiqadoumi/go-messenger/pkg/telemetry"
	"github.com/ramiqadoumi/go-messenger/services/messenger/middleware"
)

const (
	// IdempotencyHeader carries the caller's idempotency key.
	IdempotencyHeader = middleware.IdempotencyHeader
	// ReplayHeader is set on responses served from a completed record.
	ReplayHeader = "X-Idempotent-Replayed"
)

// REST handles HTTP requests for the messenger API.
type REST struct {
	messages    postgres.MessageRepository
	coordinator *idempotency.Coordinator
	events      kafka.Publisher
	validate    *validator.Validate
}

// NewREST creates a new REST handler.
func NewREST(messages postgres.MessageRepository, coordinator *idempotency.Coordinator, events kafka.Publisher) *REST {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	})
	return &REST{messages: messages, coordinator: coordinator, events: events, validate: v}
}

// Routes mounts the message API on r.
func (h *REST) Routes(r chi.Router, createMiddleware ...func(http.Handler) http.Handler) {
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Route("/api/v1/messages", func(r chi.Router) {
		r.With(createMiddleware...).Post("/", h.CreateMessage)
		r.Get("/", h.ListMessages)
		r.Delete("/", h.BulkDeleteMessages)
		r.Get("/{id}", h.GetMessage)
		r.Put("/{id}/read", h.MarkRead)
		r.Delete("/{id}", h.DeleteMessage)
	})
}

// CreateMessageRequest is the JSON body for POST /api/v1/messages.
type CreateMessageRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Content  string `json:"content" validate:"required,max=4096"`
}

// MessagePage is the GET /api/v1/messages response body.
type MessagePage struct {
	Messages    []*domain.Message `json:"messages"`
	TotalItems  int               `json:"total_items"`
	TotalPages  int               `json:"total_pages"`
	CurrentPage int               `json:"current_page"`
	PageSize    int               `json:"page_size"`
}

// BulkDeleteResponse is the 207 response body of DELETE /api/v1/messages.
type BulkDeleteResponse struct {
	Deleted    []int64 `json:"deleted"`
	NotDeleted []int64 `json:"not_deleted"`
}

// CreateMessage handles POST /api/v1/messages. With an X-Idempotency-Key
// header the creation runs at most once per key; without one every call
// creates a message.
func (h *REST) CreateMessage(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("messenger").Start(r.Context(), "messenger.create_message")
	defer span.End()
	log := middleware.Logger(ctx)

	var req CreateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validateRequest(req); err != nil {
		writeDomainError(ctx, w, err)
		return
	}

	key := r.Header.Get(IdempotencyHeader)
	span.SetAttributes(attribute.Bool("messenger.idempotent", key != ""))

	if key == "" {
		msg, err := h.messages.Create(ctx, req.Username, req.Content)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "create message failed")
			writeDomainError(ctx, w, err)
			return
		}
		h.created(ctx, msg, "false")
		writeJSON(w, http.StatusCreated, msg)
		return
	}

	var created *domain.Message
	outcome, err := h.coordinator.Execute(ctx, key, func(ctx context.Context) (any, error) {
		msg, err := h.messages.Create(ctx, req.Username, req.Content)
		if err != nil {
			return nil, err
		}
		created = msg
		return msg, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "idempotency coordinator failed")
		writeDomainError(ctx, w, err)
		return
	}

	switch outcome.Kind {
	case idempotency.Succeeded:
		if outcome.Cached {
			log.Info("replaying completed request", slog.String("idempotency_key", key))
			w.Header().Set(ReplayHeader, "true")
		} else if created != nil {
			h.created(ctx, created, "true")
		}
		writeRaw(w, http.StatusCreated, outcome.Result)
	case idempotency.InProgress:
		w.WriteHeader(http.StatusAccepted)
	case idempotency.Rejected:
		writeError(w, http.StatusConflict, "a previous request with this idempotency key failed")
	case idempotency.ExecutionFailed:
		span.RecordError(outcome.Err)
		span.SetStatus(codes.Error, "create message failed")
		writeDomainError(ctx, w, outcome.Err)
	default:
		writeDomainError(ctx, w, fmt.Errorf("unexpected idempotency outcome %s", outcome.Kind))
	}
}

// created records a freshly stored message and announces it. Event delivery
// is best effort and never fails the request.
func (h *REST) created(ctx context.Context, msg *domain.Message, idempotent string) {
	telemetry.APIMessagesCreated.WithLabelValues(idempotent).Inc()
	log := middleware.Logger(ctx)
	log.Info("message created", slog.Int64("message_id", msg.ID), slog.String("username", msg.Username))

	if err := h.events.PublishMessageCreated(ctx, msg, middleware.CorrelationID(ctx)); err != nil {
		log.Error("failed to publish message event",
			slog.Int64("message_id", msg.ID),
			slog.String("error", err.Error()),
		)
	}
}

// ListMessages handles GET /api/v1/messages?page=&size=&username=&include_read=.
func (h *REST) ListMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	number, err := intParam(q.Get("page"), "page", 1)
	if err != nil {
		writeDomainError(ctx, w, err)
		return
	}
	size, err := intParam(q.Get("size"), "size", domain.DefaultPageSize)
	if err != nil {
		writeDomainError(ctx, w, err)
		return
	}
	page, err := domain.NewPage(number, size)
	if err != nil {
		writeDomainError(ctx, w, err)
		return
	}

	var filter domain.MessageFilter
	if u := q.Get("username"); u != "" {
		filter.Username = &u
	}
	if raw := q.Get("include_read"); raw != "" {
		include, err := strconv.ParseBool(raw)
		if err != nil {
			writeDomainError(ctx, w, &domain.ValidationError{Field: "include_read", Reason: "must be a boolean"})
			return
		}
		if !include {
			unread := false
			filter.IsRead = &unread
		}
	}

	total, err := h.messages.Count(ctx, filter)
	if err != nil {
		writeDomainError(ctx, w, err)
		return
	}
	items, err := h.messages.List(ctx, page.Offset(), page.Limit(), filter)
	if err != nil {
		writeDomainError(ctx, w, err)
		return
	}
	if items == nil {
		items = []*domain.Message{}
	}

	writeJSON(w, http.StatusOK, MessagePage{
		Messages:    items,
		TotalItems:  total,
		TotalPages:  page.TotalPages(total),
		CurrentPage: page.Number,
		PageSize:    page.Size,
	})
}

// GetMessage handles GET /api/v1/messages/{id}.
func (h *REST) GetMessage(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	msg, err := h.messages.GetByID(r.Context(), id)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// MarkRead handles PUT /api/v1/messages/{id}/read.
func (h *REST) MarkRead(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	msg, err := h.messages.MarkRead(r.Context(), id)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// DeleteMessage handles DELETE /api/v1/messages/{id}.
func (h *REST) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	deleted, err := h.messages.Delete(r.Context(), id)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	if !deleted {
		writeDomainError(r.Context(), w, &domain.NotFoundError{Entity: "message", ID: strconv.FormatInt(id, 10)})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BulkDeleteMessages handles DELETE /api/v1/messages?ids=1&ids=2. Each id is
// deleted independently; the 207 body lists which ones were removed.
func (h *REST) BulkDeleteMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	raw := r.URL.Query()["ids"]
	if len(raw) == 0 {
		writeDomainError(ctx, w, &domain.ValidationError{Field: "ids", Reason: "at least one id is required"})
		return
	}
	ids := make([]int64, 0, len(raw))
	for _, s := range raw {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			writeDomainError(ctx, w, &domain.ValidationError{Field: "ids", Reason: fmt.Sprintf("%q is not an integer", s)})
			return
		}
		ids = append(ids, id)
	}

	resp := BulkDeleteResponse{Deleted: []int64{}, NotDeleted: []int64{}}
	for _, id := range ids {
		deleted, err := h.messages.Delete(ctx, id)
		if err != nil {
			middleware.Logger(ctx).Error("bulk delete failed for message",
				slog.Int64("message_id", id),
				slog.String("error", err.Error()),
			)
		}
		if deleted {
			resp.Deleted = append(resp.Deleted, id)
		} else {
			resp.NotDeleted = append(resp.NotDeleted, id)
		}
	}
	writeJSON(w, http.StatusMultiStatus, resp)
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz and checks Postgres connectivity.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.messages.Ping(ctx); err != nil {
		middleware.Logger(ctx).Warn("readiness check failed", slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "postgres not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *REST) validateRequest(req any) error {
	err := h.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &domain.ValidationError{Field: fe.Field(), Reason: reason(fe)}
	}
	return &domain.ValidationError{Field: "body", Reason: err.Error()}
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return "failed " + fe.Tag() + " validation"
	}
}

func intParam(raw, name string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &domain.ValidationError{Field: name, Reason: "must be an integer"}
	}
	return n, nil
}

func idParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, &domain.ValidationError{Field: "id", Reason: "must be a positive integer"}
	}
	return id, nil
}

// writeDomainError maps the error taxonomy onto status codes. Anything
// unrecognised is logged and reported without detail.
func writeDomainError(ctx context.Context, w http.ResponseWriter, err error) {
	var (
		invalid  *domain.ValidationError
		notFound *domain.NotFoundError
		conflict *domain.ConflictError
	)
	switch {
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, invalid.Error())
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, notFound.Error())
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, conflict.Error())
	default:
		middleware.Logger(ctx).Error("request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
