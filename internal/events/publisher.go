package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ridged/authd/config"
	"github.com/ridged/authd/internal/logging"
	"github.com/ridged/authd/internal/mq"
)

const publishTimeout = 5 * time.Second

// Publisher sends events to the broker. Events that carry a token go to the
// notification channel as is; every event goes to the activity channel
// with its token removed.
type Publisher struct {
	backend  mq.Backend
	activity string
	notify   string
	log      logging.Logger
}

func NewPublisher(backend mq.Backend, cfg config.EventsConfig, log logging.Logger) *Publisher {
	return &Publisher{
		backend:  backend,
		activity: cfg.ActivityChannel,
		notify:   cfg.NotifyChannel,
		log:      log,
	}
}

// Emit publishes the events. It outlives a canceled request context so that
// committed changes are still announced.
func (p *Publisher) Emit(ctx context.Context, events ...Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	for _, e := range events {
		if e.CarriesToken() {
			p.publish(ctx, p.notify, e)
		}
		p.publish(ctx, p.activity, e.Redacted())
	}
}

func (p *Publisher) publish(ctx context.Context, channel string, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		p.log.Error(ctx, "marshal event", "event_id", e.ID, "type", e.Type, "error", err)
		return
	}
	attrs := map[string]string{
		"event_type":   string(e.Type),
		"content_type": "application/json",
	}
	if _, err := p.backend.Publish(ctx, channel, data, attrs); err != nil {
		p.log.Error(ctx, "publish event", "event_id", e.ID, "type", e.Type, "channel", channel, "error", err)
		return
	}
	p.log.Debug(ctx, "event published", "event_id", e.ID, "type", e.Type, "channel", channel)
}
