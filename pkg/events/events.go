package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"time"

	stripe "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/webhook"

	"github.com/billsync/billsync/pkg/entities"
	"github.com/billsync/billsync/pkg/observability"
	"github.com/billsync/billsync/pkg/processor"
	"github.com/billsync/billsync/pkg/storage"
	"github.com/billsync/billsync/pkg/sync"
)

// ErrBadPayload is returned when a delivery cannot be decoded or fails
// signature verification. These are the only ingest failures the caller
// should answer with a 4xx.
var ErrBadPayload = errors.New("events: bad payload")

// HandlerFunc processes one validated event
type HandlerFunc func(ctx context.Context, event *entities.Event) error

// Processor ingests webhook deliveries
type Processor struct {
	store         *storage.Store
	syncer        *sync.Syncer
	client        processor.Client
	logger        *observability.Logger
	metrics       *observability.Metrics
	signingSecret string
	handlers      map[string]HandlerFunc
}

// New creates an event Processor. An empty signing secret skips signature
// verification; deliveries are still validated by refetching the event.
func New(store *storage.Store, syncer *sync.Syncer, client processor.Client, logger *observability.Logger, metrics *observability.Metrics, signingSecret string) *Processor {
	p := &Processor{
		store:         store,
		syncer:        syncer,
		client:        client,
		logger:        logger,
		metrics:       metrics,
		signingSecret: signingSecret,
	}
	p.handlers = p.defaultHandlers()
	return p
}

// Register installs a handler for an event kind, replacing any default
func (p *Processor) Register(kind string, fn HandlerFunc) {
	p.handlers[kind] = fn
}

func (p *Processor) outcome(kind, outcome string) {
	if p.metrics != nil {
		p.metrics.WebhookEventsTotal.WithLabelValues(kind, outcome).Inc()
	}
}

// Ingest records, validates, and dispatches one webhook delivery. A
// replayed or invalid delivery is absorbed with an error record so the
// processor does not keep retrying it; only undecodable payloads and
// transient failures are reported to the caller.
func (p *Processor) Ingest(ctx context.Context, payload []byte, signatureHeader string) error {
	start := time.Now()

	var stripeEvent stripe.Event
	if p.signingSecret != "" {
		verified, err := webhook.ConstructEvent(payload, signatureHeader, p.signingSecret)
		if err != nil {
			p.outcome("unknown", "bad_signature")
			return fmt.Errorf("%w: signature verification failed: %v", ErrBadPayload, err)
		}
		stripeEvent = verified
	} else if err := json.Unmarshal(payload, &stripeEvent); err != nil {
		p.outcome("unknown", "malformed")
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	if stripeEvent.ID == "" || stripeEvent.Type == "" {
		p.outcome("unknown", "malformed")
		return fmt.Errorf("%w: missing event id or type", ErrBadPayload)
	}

	event := &entities.Event{
		StripeID:       stripeEvent.ID,
		Kind:           stripeEvent.Type,
		Livemode:       stripeEvent.Livemode,
		WebhookMessage: json.RawMessage(payload),
	}

	err := p.store.InsertEvent(ctx, event)
	if err == storage.ErrDuplicateEvent {
		p.logger.WithField("event", event.StripeID).Warn("duplicate event delivery")
		p.outcome(event.Kind, "duplicate")
		return p.store.RecordEventError(ctx, &entities.EventProcessingError{
			EventStripeID: event.StripeID,
			Data:          event.WebhookMessage,
			Message:       "duplicate event record",
		})
	}
	if err != nil {
		return err
	}

	valid, err := p.validate(ctx, event, &stripeEvent)
	if err != nil {
		return err
	}
	if !valid {
		p.logger.WithField("event", event.StripeID).Warn("event failed validation")
		p.outcome(event.Kind, "invalid")
		return p.store.RecordEventError(ctx, &entities.EventProcessingError{
			EventStripeID: event.StripeID,
			Data:          event.WebhookMessage,
			Message:       "event not confirmed by processor",
		})
	}

	if handlerErr := p.dispatch(ctx, event); handlerErr != nil {
		p.logger.WithError(handlerErr).WithField("event", event.StripeID).Error("event handler failed")
		p.outcome(event.Kind, "error")
		return p.store.RecordEventError(ctx, &entities.EventProcessingError{
			EventStripeID: event.StripeID,
			Data:          event.WebhookMessage,
			Message:       handlerErr.Error(),
			Traceback:     handlerErr.Error(),
		})
	}

	if err := p.store.MarkEventProcessed(ctx, event.StripeID); err != nil {
		return err
	}

	p.outcome(event.Kind, "processed")
	if p.metrics != nil {
		p.metrics.WebhookEventDuration.WithLabelValues(event.Kind).Observe(time.Since(start).Seconds())
	}
	return nil
}

// validate refetches the event from the processor and compares the
// delivered object against the processor's copy. A forged or stale
// delivery fails the comparison.
func (p *Processor) validate(ctx context.Context, event *entities.Event, delivered *stripe.Event) (bool, error) {
	fetched, err := p.client.GetEvent(ctx, event.StripeID)
	if err != nil {
		if processor.IsNotFound(err) {
			return false, p.store.SetEventValidity(ctx, event.StripeID, false, nil)
		}
		return false, fmt.Errorf("failed to fetch event %s: %w", event.StripeID, err)
	}
	if fetched == nil {
		return false, p.store.SetEventValidity(ctx, event.StripeID, false, nil)
	}

	valid := delivered.Data != nil && fetched.Data != nil && equalJSON(delivered.Data.Raw, fetched.Data.Raw)
	var validated json.RawMessage
	if fetched.Data != nil {
		validated = json.RawMessage(fetched.Data.Raw)
	}
	if err := p.store.SetEventValidity(ctx, event.StripeID, valid, validated); err != nil {
		return false, err
	}
	event.Valid = &valid
	event.ValidatedMessage = validated
	return valid, nil
}

// equalJSON compares two JSON documents structurally, ignoring key order
func equalJSON(a, b json.RawMessage) bool {
	var av, bv interface{}
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

// dispatch runs the handler for the event kind, converting panics into
// errors so one bad payload cannot take the ingest path down.
func (p *Processor) dispatch(ctx context.Context, event *entities.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()

	handler := p.lookup(event.Kind)
	if handler == nil {
		p.logger.WithField("kind", event.Kind).Debug("no handler for event kind")
		return nil
	}
	return handler(ctx, event)
}

// lookup resolves a handler by exact kind, then by dotted prefix, so
// "customer.subscription.updated" falls back to "customer.subscription."
func (p *Processor) lookup(kind string) HandlerFunc {
	if fn, ok := p.handlers[kind]; ok {
		return fn
	}
	for i := len(kind) - 1; i > 0; i-- {
		if kind[i] == '.' {
			if fn, ok := p.handlers[kind[:i+1]]; ok {
				return fn
			}
		}
	}
	return nil
}
