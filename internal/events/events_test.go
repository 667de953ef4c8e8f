package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ridged/authd/config"
	"github.com/ridged/authd/internal/logging"
	"github.com/ridged/authd/internal/mq"
	"github.com/ridged/authd/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	channel string
	event   Event
	attrs   map[string]string
}

type recordingBackend struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (b *recordingBackend) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, published{channel: channel, event: e, attrs: attrs})
	return e.ID, nil
}

func (b *recordingBackend) Subscribe(context.Context, string, mq.Handler) error { return nil }
func (b *recordingBackend) Close() error                                       { return nil }

var testEventsConfig = config.EventsConfig{ActivityChannel: "activity", NotifyChannel: "notify"}

func sampleAccount() types.Account {
	return types.Account{ID: 9, Email: "jane@example.com", FirstName: "Jane", LastName: "Doe"}
}

func TestPublisherRoutesTokensToNotifications(t *testing.T) {
	backend := &recordingBackend{}
	p := NewPublisher(backend, testEventsConfig, logging.Nop())
	now := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

	withToken := New(VerificationRequested, sampleAccount(), now).
		WithToken(types.ExpiringToken{Value: "secret", ExpiresAt: now.Add(24 * time.Hour)})
	plain := New(AccountRegistered, sampleAccount(), now)

	p.Emit(context.Background(), plain, withToken)

	require.Len(t, backend.msgs, 3)
	assert.Equal(t, "activity", backend.msgs[0].channel)
	assert.Equal(t, AccountRegistered, backend.msgs[0].event.Type)

	assert.Equal(t, "notify", backend.msgs[1].channel)
	assert.Equal(t, "secret", backend.msgs[1].event.Token)
	require.NotNil(t, backend.msgs[1].event.TokenExpiresAt)

	assert.Equal(t, "activity", backend.msgs[2].channel)
	assert.Empty(t, backend.msgs[2].event.Token)
	assert.Nil(t, backend.msgs[2].event.TokenExpiresAt)
	assert.Equal(t, string(VerificationRequested), backend.msgs[2].attrs["event_type"])

	for _, m := range backend.msgs {
		if m.channel == "activity" {
			assert.False(t, m.event.CarriesToken())
		}
	}
}

func TestPublisherSurvivesBackendErrorsAndCanceledContext(t *testing.T) {
	backend := &recordingBackend{err: errors.New("broker down")}
	p := NewPublisher(backend, testEventsConfig, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NotPanics(t, func() {
		p.Emit(ctx, New(LoggedOut, sampleAccount(), time.Now()))
	})

	backend.err = nil
	p.Emit(ctx, New(LoggedOut, sampleAccount(), time.Now()))
	assert.Len(t, backend.msgs, 1, "a canceled request context does not stop publishing")
}

type memoryObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func newMemoryObjects() *memoryObjects {
	return &memoryObjects{objects: make(map[string][]byte)}
}

func (m *memoryObjects) EnsureBucket(context.Context) error { return nil }

func (m *memoryObjects) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return errors.New("size mismatch")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.puts++
	return nil
}

func (m *memoryObjects) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryObjects) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memoryObjects) Bucket() string { return "activity" }

func TestObjectKey(t *testing.T) {
	e := Event{ID: "abc", OccurredAt: time.Date(2026, 3, 7, 23, 30, 0, 0, time.FixedZone("X", -3600))}
	assert.Equal(t, "activity/2026/03/08/abc.json", ObjectKey(e))
}

func TestArchiverWritesEachEventOnce(t *testing.T) {
	objects := newMemoryObjects()
	a := NewArchiver(objects, logging.Nop())
	ctx := context.Background()

	e := New(LoginSucceeded, sampleAccount(), time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)).
		WithToken(types.ExpiringToken{Value: "leaked", ExpiresAt: time.Now()})
	data, err := json.Marshal(e)
	require.NoError(t, err)

	require.NoError(t, a.Handle(ctx, mq.Message{ID: "m1", Data: data}))
	require.NoError(t, a.Handle(ctx, mq.Message{ID: "m1", Data: data}))
	assert.Equal(t, 1, objects.puts)

	rc, err := objects.Get(ctx, ObjectKey(e))
	require.NoError(t, err)
	defer rc.Close()

	var stored Event
	require.NoError(t, json.NewDecoder(rc).Decode(&stored))
	assert.Equal(t, e.ID, stored.ID)
	assert.Empty(t, stored.Token, "archived events never hold secrets")
}

func TestArchiverDropsMalformedMessages(t *testing.T) {
	a := NewArchiver(newMemoryObjects(), logging.Nop())

	err := a.Handle(context.Background(), mq.Message{ID: "bad", Data: []byte("not json")})
	assert.ErrorIs(t, err, mq.ErrDrop)

	err = a.Handle(context.Background(), mq.Message{ID: "empty", Data: []byte(`{}`)})
	assert.ErrorIs(t, err, mq.ErrDrop)
}

func TestArchiverRunConsumesMemoryBackend(t *testing.T) {
	backend := mq.NewMemoryBackend()
	objects := newMemoryObjects()
	p := NewPublisher(backend, testEventsConfig, logging.Nop())
	a := NewArchiver(objects, logging.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	e := New(PasswordReset, sampleAccount(), time.Now())
	p.Emit(ctx, e)

	go func() { _ = a.Run(ctx, backend, testEventsConfig.ActivityChannel) }()

	require.Eventually(t, func() bool {
		ok, _ := objects.Exists(ctx, ObjectKey(e))
		return ok
	}, time.Second, 10*time.Millisecond)
}
