package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/ridged/authd/internal/logging"
	"github.com/ridged/authd/internal/mq"
	"github.com/ridged/authd/internal/storage"
)

// Archiver copies activity events into object storage, one object per event.
type Archiver struct {
	store storage.ObjectStorage
	log   logging.Logger
}

func NewArchiver(store storage.ObjectStorage, log logging.Logger) *Archiver {
	return &Archiver{store: store, log: log}
}

// ObjectKey returns where e is archived: activity/YYYY/MM/DD/<id>.json.
func ObjectKey(e Event) string {
	return path.Join("activity", e.OccurredAt.UTC().Format("2006/01/02"), e.ID+".json")
}

// Run consumes channel until ctx ends.
func (a *Archiver) Run(ctx context.Context, backend mq.Backend, channel string) error {
	if err := a.store.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket %s: %w", a.store.Bucket(), err)
	}
	a.log.Info(ctx, "archiver started", "channel", channel, "bucket", a.store.Bucket())
	return backend.Subscribe(ctx, channel, a.Handle)
}

// Handle archives a single message. Redelivered events are written once.
func (a *Archiver) Handle(ctx context.Context, msg mq.Message) error {
	var e Event
	if err := json.Unmarshal(msg.Data, &e); err != nil || e.ID == "" || e.Type == "" {
		a.log.Warn(ctx, "dropping malformed activity message", "message_id", msg.ID)
		return mq.ErrDrop
	}

	key := ObjectKey(e)
	exists, err := a.store.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("stat %s: %w", key, err)
	}
	if exists {
		a.log.Debug(ctx, "event already archived", "event_id", e.ID)
		return nil
	}

	data, err := json.Marshal(e.Redacted())
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", e.ID, err)
	}
	if err := a.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), "application/json"); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	a.log.Info(ctx, "event archived", "event_id", e.ID, "type", e.Type, "key", key)
	return nil
}
