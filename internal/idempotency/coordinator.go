package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/go-messenger/internal/domain"
	"github.com/ramiqadoumi/go-messenger/pkg/telemetry"
)

// Operation is the side-effecting unit of work guarded by a key. Its result
// must be JSON-serializable.
type Operation func(ctx context.Context) (any, error)

// Coordinator runs an Operation at most once per idempotency key across every
// process sharing the same RecordStore.
type Coordinator struct {
	store           RecordStore
	logger          *slog.Logger
	contextLogger   func(ctx context.Context) *slog.Logger
	finalizeTimeout time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.logger = l } }

// WithContextLogger takes the logger for each call from its context, so log
// lines carry request-scoped attributes such as the correlation id. A nil
// result falls back to the WithLogger logger.
func WithContextLogger(fn func(ctx context.Context) *slog.Logger) Option {
	return func(c *Coordinator) { c.contextLogger = fn }
}

// WithFinalizeTimeout bounds the write that records the operation's outcome.
func WithFinalizeTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.finalizeTimeout = d }
}

// NewCoordinator constructs a Coordinator backed by store.
func NewCoordinator(store RecordStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:           store,
		logger:          slog.Default(),
		finalizeTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute looks up key, claims it if absent, runs op and records the result.
//
// Callers that find the key completed get the cached result; callers that find
// it processing, or lose the claim race, get InProgress; callers that find it
// failed get Rejected. Only the claimant invokes op. The returned error is
// non-nil for invalid keys and storage failures, never for op failures, which
// are reported as ExecutionFailed.
func (c *Coordinator) Execute(ctx context.Context, key string, op Operation) (Outcome, error) {
	ctx, span := otel.Tracer("idempotency").Start(ctx, "idempotency.execute")
	defer span.End()
	span.SetAttributes(attribute.String("idempotency.key", key))

	if err := domain.ValidateKey(key); err != nil {
		return Outcome{}, err
	}

	log := c.loggerFor(ctx).With(slog.String("idempotency_key", key))

	rec, err := c.store.Get(ctx, key)
	if err == nil {
		log.Info("idempotency key found", slog.String("status", string(rec.Status)))
		outcome, err := replay(rec)
		if err != nil {
			return Outcome{}, c.fail(span, err)
		}
		return c.finish(span, outcome), nil
	}
	var notFound *domain.NotFoundError
	if !errors.As(err, &notFound) {
		return Outcome{}, c.fail(span, fmt.Errorf("lookup idempotency key: %w", err))
	}

	// The insert is the lock. The lookup above only skips it on the common
	// replay path.
	if _, err := c.store.InsertProcessing(ctx, key); err != nil {
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			log.Info("idempotency key claimed by another caller")
			return c.finish(span, Outcome{Kind: InProgress}), nil
		}
		return Outcome{}, c.fail(span, fmt.Errorf("claim idempotency key: %w", err))
	}

	result, opErr := op(ctx)
	var payload []byte
	if opErr == nil {
		payload, opErr = encodeResult(result)
	}

	// The outcome is recorded even if the caller has gone away.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.finalizeTimeout)
	defer cancel()

	if opErr != nil {
		log.Error("guarded operation failed", slog.String("error", opErr.Error()))
		span.RecordError(opErr)
		if _, err := c.store.MarkFailed(fctx, key); err != nil {
			telemetry.IdempotencyFinalizeErrors.Inc()
			log.Error("failed to mark execution record failed", slog.String("error", err.Error()))
		}
		return c.finish(span, Outcome{Kind: ExecutionFailed, Err: opErr}), nil
	}

	if _, err := c.store.MarkCompleted(fctx, key, payload); err != nil {
		telemetry.IdempotencyFinalizeErrors.Inc()
		log.Error("failed to mark execution record completed", slog.String("error", err.Error()))
		return Outcome{}, c.fail(span, fmt.Errorf("finalize idempotency key: %w", err))
	}
	return c.finish(span, Outcome{Kind: Succeeded, Result: payload}), nil
}

func (c *Coordinator) loggerFor(ctx context.Context) *slog.Logger {
	if c.contextLogger != nil {
		if l := c.contextLogger(ctx); l != nil {
			return l
		}
	}
	return c.logger
}

func (c *Coordinator) finish(span trace.Span, o Outcome) Outcome {
	label := o.label()
	span.SetAttributes(attribute.String("idempotency.outcome", label))
	telemetry.IdempotencyOutcomes.WithLabelValues(label).Inc()
	return o
}

func (c *Coordinator) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, "idempotency storage error")
	return err
}

// replay maps an existing record to the outcome seen by a non-claimant.
func replay(rec *domain.ExecutionRecord) (Outcome, error) {
	switch rec.Status {
	case domain.ExecutionCompleted:
		return Outcome{Kind: Succeeded, Result: rec.Result, Cached: true}, nil
	case domain.ExecutionProcessing:
		return Outcome{Kind: InProgress}, nil
	case domain.ExecutionFailed:
		return Outcome{Kind: Rejected}, nil
	default:
		return Outcome{}, fmt.Errorf("execution record %q has unknown status %q", rec.Key, rec.Status)
	}
}

func encodeResult(result any) ([]byte, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode operation result: %w", err)
	}
	if err := domain.ValidateResult(payload); err != nil {
		return nil, err
	}
	return payload, nil
}
