package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

type fakeStore struct {
	data     map[string]string
	ttls     map[string]time.Duration
	setNXErr error
	getErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeStore) Get(_ context.Context, key string) (string, error) {
	if f.getErr != nil {
		return "", f.getErr
	}
	v, ok := f.data[key]
	if !ok {
		return "", goredis.Nil
	}
	return v, nil
}

func (f *fakeStore) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	f.data[key] = value.(string)
	f.ttls[key] = ttl
	return nil
}

func (f *fakeStore) SetNX(_ context.Context, key string, value any, ttl time.Duration) (bool, error) {
	if f.setNXErr != nil {
		return false, f.setNXErr
	}
	if _, ok := f.data[key]; ok {
		return false, nil
	}
	f.data[key] = value.(string)
	f.ttls[key] = ttl
	return true, nil
}

func (f *fakeStore) IdempotencyKey(scope, id string) string {
	return "mf:idempotency:" + scope + ":" + id
}

func (f *fakeStore) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func TestRunMarksEventDoneWithTTL(t *testing.T) {
	store := newFakeStore()
	manager, err := NewManager(store, 24*time.Hour, WithLease(30*time.Second))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	eventID := uuid.New()
	key := "mf:idempotency:order-events:analytics-worker:" + eventID.String()

	var leaseTTL time.Duration
	dup, err := manager.Run(context.Background(), "analytics-worker", eventID, func(context.Context) error {
		if store.data[key] != stateProcessing {
			t.Fatalf("expected lease while handling, got %q", store.data[key])
		}
		leaseTTL = store.ttls[key]
		return nil
	})
	if err != nil || dup {
		t.Fatalf("expected first run, got dup=%v err=%v", dup, err)
	}
	if leaseTTL != 30*time.Second {
		t.Fatalf("unexpected lease ttl %v", leaseTTL)
	}
	if store.data[key] != stateDone || store.ttls[key] != 24*time.Hour {
		t.Fatalf("expected done mark for 24h, got %q %v", store.data[key], store.ttls[key])
	}

	state, err := manager.Status(context.Background(), "analytics-worker", eventID)
	if err != nil || state != StateDone {
		t.Fatalf("expected done state, got %v %v", state, err)
	}
}

func TestRunSkipsDuplicatesAndReleasesOnFailure(t *testing.T) {
	store := newFakeStore()
	manager, err := NewManager(store, time.Hour)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	eventID := uuid.New()
	if _, err := manager.Run(context.Background(), "analytics-worker", eventID, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("first run: %v", err)
	}

	called := false
	dup, err := manager.Run(context.Background(), "analytics-worker", eventID, func(context.Context) error {
		called = true
		return nil
	})
	if err != nil || !dup || called {
		t.Fatalf("expected duplicate skip, got dup=%v called=%v err=%v", dup, called, err)
	}

	other := uuid.New()
	boom := errors.New("sink down")
	dup, err = manager.Run(context.Background(), "analytics-worker", other, func(context.Context) error { return boom })
	if !errors.Is(err, boom) || dup {
		t.Fatalf("expected sink error, got dup=%v err=%v", dup, err)
	}
	if state, _ := manager.Status(context.Background(), "analytics-worker", other); state != StateNew {
		t.Fatalf("expected lease released, got state %v", state)
	}
}

func TestRunReportsEventLeasedElsewhere(t *testing.T) {
	store := newFakeStore()
	manager, err := NewManager(store, time.Hour)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	eventID := uuid.New()
	store.data["mf:idempotency:order-events:analytics-worker:"+eventID.String()] = stateProcessing

	_, err = manager.Run(context.Background(), "analytics-worker", eventID, func(context.Context) error {
		t.Fatalf("handler must not run while another consumer holds the lease")
		return nil
	})
	if !errors.Is(err, ErrInFlight) {
		t.Fatalf("expected ErrInFlight, got %v", err)
	}
}

func TestRunConsumersAreIndependent(t *testing.T) {
	store := newFakeStore()
	manager, err := NewManager(store, time.Hour)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	eventID := uuid.New()
	runs := 0
	for _, consumer := range []string{"analytics-worker", "notifications"} {
		if _, err := manager.Run(context.Background(), consumer, eventID, func(context.Context) error { runs++; return nil }); err != nil {
			t.Fatalf("%s: %v", consumer, err)
		}
	}
	if runs != 2 {
		t.Fatalf("expected each consumer to handle the event, got %d runs", runs)
	}
}

func TestRunStoreErrors(t *testing.T) {
	store := newFakeStore()
	store.setNXErr = errors.New("redis down")
	manager, _ := NewManager(store, time.Hour)
	if _, err := manager.Run(context.Background(), "analytics-worker", uuid.New(), func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected lease error")
	}

	if _, err := manager.Run(context.Background(), "", uuid.New(), func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected consumer name error")
	}
	if _, err := manager.Run(context.Background(), "analytics-worker", uuid.Nil, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected event id error")
	}
}

func TestForgetAllowsReprocessing(t *testing.T) {
	store := newFakeStore()
	manager, _ := NewManager(store, time.Hour)
	eventID := uuid.New()
	_, _ = manager.Run(context.Background(), "analytics-worker", eventID, func(context.Context) error { return nil })

	if err := manager.Forget(context.Background(), "analytics-worker", eventID); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if state, _ := manager.Status(context.Background(), "analytics-worker", eventID); state != StateNew {
		t.Fatalf("expected event forgotten, got %v", state)
	}
}

func TestNewManagerValidation(t *testing.T) {
	if _, err := NewManager(nil, time.Hour); err == nil {
		t.Fatal("expected store error")
	}
	if _, err := NewManager(newFakeStore(), -time.Second); err == nil {
		t.Fatal("expected ttl error")
	}
}
