package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"liveconsult-backend/internal/domain"
	"liveconsult-backend/pkg/logger"
	"liveconsult-backend/pkg/metrics"
	"liveconsult-backend/pkg/money"
	"liveconsult-backend/pkg/push"
)

// Deliverer hands an event to a user's live transport. It reports false when the
// user has no connection or the connection's queue is full.
type Deliverer interface {
	Deliver(userID uuid.UUID, ev *domain.Event) bool
}

// OfflineSink reaches users without a live connection
type OfflineSink interface {
	NotifyUser(ctx context.Context, userID uuid.UUID, n *push.Notification) (*push.SendResult, error)
}

// WebhookSender posts lifecycle events to an external system
type WebhookSender interface {
	Send(ctx context.Context, eventID, eventName string, payload any) error
}

// maxInFlight bounds concurrent push and webhook calls
const maxInFlight = 64

// sendTimeout bounds one offline push or webhook call
const sendTimeout = 10 * time.Second

// Dispatcher routes events to connected transports, the push sink and the webhook.
// Every route is at most once: nothing is retried or queued for later.
type Dispatcher struct {
	deliverer Deliverer
	sink      OfflineSink
	webhook   WebhookSender
	metrics   *metrics.Metrics

	slots chan struct{}
	wg    conc.WaitGroup
}

// NewDispatcher creates a dispatcher. sink and webhook may be nil.
func NewDispatcher(sink OfflineSink, webhook WebhookSender, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		sink:    sink,
		webhook: webhook,
		metrics: m,
		slots:   make(chan struct{}, maxInFlight),
	}
}

// SetDeliverer wires the signaling hub
func (d *Dispatcher) SetDeliverer(deliverer Deliverer) {
	d.deliverer = deliverer
}

// Publish never blocks on the network: callers hold session locks.
func (d *Dispatcher) Publish(ctx context.Context, ev *domain.Event, targets ...uuid.UUID) {
	for _, target := range targets {
		if d.deliverer != nil && d.deliverer.Deliver(target, ev) {
			continue
		}
		if d.sink == nil || !ev.IsNotifiable() {
			continue
		}
		userID := target
		d.spawn(ev.Name, "push", func(ctx context.Context) {
			d.push(ctx, userID, ev)
		})
	}

	if d.webhook != nil && ev.IsLifecycle() {
		d.spawn(ev.Name, "webhook", func(ctx context.Context) {
			d.post(ctx, ev)
		})
	}
}

// Close waits for in-flight pushes and webhook calls
func (d *Dispatcher) Close() {
	d.wg.Wait()
}

// spawn runs fn in the background, dropping it when too many calls are in flight
func (d *Dispatcher) spawn(event, route string, fn func(ctx context.Context)) {
	select {
	case d.slots <- struct{}{}:
	default:
		logger.Warn("Notification dropped, dispatcher saturated",
			zap.String("event", event),
			zap.String("route", route))
		if route == "push" {
			d.metrics.RecordPushNotification(event, "dropped")
		} else {
			d.metrics.RecordWebhookDelivery(event, "dropped")
		}
		return
	}

	d.wg.Go(func() {
		defer func() { <-d.slots }()
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		fn(ctx)
	})
}

func (d *Dispatcher) push(ctx context.Context, userID uuid.UUID, ev *domain.Event) {
	_, err := d.sink.NotifyUser(ctx, userID, NotificationFor(ev))
	if err != nil {
		d.metrics.RecordPushNotification(ev.Name, "failed")
		logger.Warn("Offline notification failed",
			zap.String("user_id", userID.String()),
			zap.String("event", ev.Name),
			zap.Error(err))
		return
	}
	d.metrics.RecordPushNotification(ev.Name, "sent")
}

func (d *Dispatcher) post(ctx context.Context, ev *domain.Event) {
	if err := d.webhook.Send(ctx, ev.ID.String(), ev.Name, ev); err != nil {
		d.metrics.RecordWebhookDelivery(ev.Name, "failed")
		logger.Warn("Webhook delivery failed",
			zap.String("event_id", ev.ID.String()),
			zap.String("event", ev.Name),
			zap.Error(err))
		return
	}
	d.metrics.RecordWebhookDelivery(ev.Name, "delivered")
}

// NotificationFor renders an event as a device notification
func NotificationFor(ev *domain.Event) *push.Notification {
	n := &push.Notification{
		Priority: "normal",
		Sound:    "default",
		Category: "SESSION",
		Data: map[string]string{
			"type":     ev.Name,
			"event_id": ev.ID.String(),
		},
	}
	if ev.SessionID != nil {
		n.Data["session_id"] = ev.SessionID.String()
	}
	if ev.StreamID != nil {
		n.Data["stream_id"] = ev.StreamID.String()
		n.Category = "STREAM"
	}

	switch ev.Name {
	case domain.EventSessionCreated:
		n.Title = "New consultation request"
		n.Body = fmt.Sprintf("A client booked a %v session", ev.Data["channel_type"])
		n.Priority = "high"
	case domain.EventSessionEnded:
		n.Title = "Session ended"
		n.Body = fmt.Sprintf("Total charged: %s", formatCents(ev.Data["total_charged"]))
	case domain.EventLowBalance:
		n.Title = "Low balance"
		n.Body = "Your balance is running low. Top up to keep the session going."
		n.Priority = "high"
	case domain.EventInsufficientFunds:
		n.Title = "Balance exhausted"
		n.Body = "The session was ended because the balance ran out."
		n.Priority = "high"
	case domain.EventGiftReceived:
		n.Title = "Gift received"
		n.Body = fmt.Sprintf("You received a gift worth %s", formatCents(ev.Data["provider_share"]))
	default:
		n.Title = ev.Name
	}
	return n
}

func formatCents(v any) string {
	if cents, ok := v.(int64); ok {
		return money.Format(cents)
	}
	return "-"
}
