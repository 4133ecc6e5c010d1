package kernel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"smeargle/pkg/smeargle"
)

func TestEventBusPublishDeliversMatchingSubscriptions(t *testing.T) {
	t.Parallel()

	bus := NewEventBus(8, 1, time.Second, nil)
	t.Cleanup(func() {
		_ = bus.Close(context.Background())
	})

	tests := []struct {
		name     string
		interest smeargle.InterestSet
		event    *smeargle.Event
		want     bool
	}{
		{
			name:     "kind match",
			interest: smeargle.InterestSet{Kinds: []smeargle.EventKind{smeargle.EventKindMessageCreated}},
			event:    newTestEvent("e1", "chat-1", "hello"),
			want:     true,
		},
		{
			name:     "conversation filter rejects other channel",
			interest: smeargle.InterestSet{ConversationIDs: []string{"chat-2"}},
			event:    newTestEvent("e2", "chat-1", "hello"),
		},
		{
			name:     "skip self rejects own message",
			interest: smeargle.InterestSet{SkipSelf: true},
			event: func() *smeargle.Event {
				event := newTestEvent("e3", "chat-1", "!pikachu")
				event.Actor.IsSelf = true
				return event
			}(),
		},
		{
			name: "source filter matches driver name",
			interest: smeargle.InterestSet{Sources: []smeargle.EventSource{
				{Platform: smeargle.PlatformDiscord, ID: "discord-main"},
			}},
			event: newTestEvent("e4", "chat-1", "hello"),
			want:  true,
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			received := make(chan string, 1)
			sub, err := bus.Subscribe(context.Background(), testCase.interest, smeargle.SubscriptionSpec{
				Name: "match-" + testCase.event.ID,
			}, func(_ context.Context, event *smeargle.Event) error {
				if event.ID == testCase.event.ID {
					received <- event.ID
				}
				return nil
			})
			if err != nil {
				t.Fatalf("subscribe failed: %v", err)
			}
			t.Cleanup(func() {
				_ = sub.Close(context.Background())
			})

			if err := bus.Publish(context.Background(), testCase.event); err != nil {
				t.Fatalf("publish failed: %v", err)
			}

			select {
			case <-received:
				if !testCase.want {
					t.Fatal("event delivered, want filtered")
				}
			case <-time.After(200 * time.Millisecond):
				if testCase.want {
					t.Fatal("timed out waiting for event")
				}
			}
		})
	}
}

func TestEventBusBackpressurePolicies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		policy      smeargle.BackpressurePolicy
		wantEvents  []string
		wantDropped int64
	}{
		{
			name:        "drop newest keeps queued oldest",
			policy:      smeargle.BackpressureDropNewest,
			wantEvents:  []string{"e1", "e2"},
			wantDropped: 1,
		},
		{
			name:        "drop oldest keeps latest",
			policy:      smeargle.BackpressureDropOldest,
			wantEvents:  []string{"e1", "e3"},
			wantDropped: 1,
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			var asyncMu sync.Mutex
			var asyncErrs []error
			bus := NewEventBus(1, 1, time.Second, func(_ context.Context, _ string, err error) {
				asyncMu.Lock()
				asyncErrs = append(asyncErrs, err)
				asyncMu.Unlock()
			})
			t.Cleanup(func() {
				_ = bus.Close(context.Background())
			})

			release := make(chan struct{})
			blocked := make(chan struct{}, 1)
			processed := make([]string, 0, 3)
			var first sync.Once
			var mu sync.Mutex

			_, err := bus.Subscribe(context.Background(), smeargle.InterestSet{
				Kinds: []smeargle.EventKind{smeargle.EventKindMessageCreated},
			}, smeargle.SubscriptionSpec{
				Name:         "policy",
				Workers:      1,
				Buffer:       1,
				Backpressure: testCase.policy,
			}, func(_ context.Context, event *smeargle.Event) error {
				first.Do(func() {
					blocked <- struct{}{}
					<-release
				})
				mu.Lock()
				processed = append(processed, event.ID)
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Fatalf("subscribe failed: %v", err)
			}

			if err := bus.Publish(context.Background(), newTestEvent("e1", "chat-1", "one")); err != nil {
				t.Fatalf("publish e1 failed: %v", err)
			}
			select {
			case <-blocked:
			case <-time.After(time.Second):
				t.Fatal("handler did not block as expected")
			}
			for _, id := range []string{"e2", "e3"} {
				if err := bus.Publish(context.Background(), newTestEvent(id, "chat-1", id)); err != nil {
					t.Fatalf("publish %s failed: %v", id, err)
				}
			}

			close(release)
			eventually(t, 2*time.Second, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(processed) == 2
			})

			mu.Lock()
			gotEvents := append([]string(nil), processed...)
			mu.Unlock()
			if gotEvents[0] != testCase.wantEvents[0] || gotEvents[1] != testCase.wantEvents[1] {
				t.Fatalf("processed = %v, want %v", gotEvents, testCase.wantEvents)
			}

			stats := bus.Stats()
			if len(stats) != 1 || stats[0].Dropped != testCase.wantDropped {
				t.Fatalf("stats = %+v, want one subscription with %d dropped", stats, testCase.wantDropped)
			}
			if testCase.policy == smeargle.BackpressureDropNewest {
				asyncMu.Lock()
				defer asyncMu.Unlock()
				if len(asyncErrs) != 1 || !errors.Is(asyncErrs[0], smeargle.ErrEventDropped) {
					t.Fatalf("async errors = %v, want one ErrEventDropped", asyncErrs)
				}
			}
		})
	}
}

func TestEventBusHandlerFailuresAreReported(t *testing.T) {
	t.Parallel()

	reported := make(chan error, 2)
	bus := NewEventBus(8, 1, time.Second, func(_ context.Context, _ string, err error) {
		reported <- err
	})
	t.Cleanup(func() {
		_ = bus.Close(context.Background())
	})

	_, err := bus.Subscribe(context.Background(), smeargle.InterestSet{}, smeargle.SubscriptionSpec{Name: "failing"},
		func(_ context.Context, event *smeargle.Event) error {
			if event.ID == "panic" {
				panic("boom")
			}
			return errors.New("handler failed")
		})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	for _, id := range []string{"error", "panic"} {
		if err := bus.Publish(context.Background(), newTestEvent(id, "chat-1", id)); err != nil {
			t.Fatalf("publish %s failed: %v", id, err)
		}
	}

	for range 2 {
		select {
		case err := <-reported:
			if err == nil {
				t.Fatal("reported nil error")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for async error")
		}
	}
	eventually(t, time.Second, func() bool {
		stats := bus.Stats()
		return len(stats) == 1 && stats[0].Failed == 2
	})
}

func TestEventBusRejectsUnknownBackpressure(t *testing.T) {
	t.Parallel()

	bus := NewEventBus(8, 1, time.Second, nil)
	t.Cleanup(func() {
		_ = bus.Close(context.Background())
	})

	_, err := bus.Subscribe(context.Background(), smeargle.InterestSet{}, smeargle.SubscriptionSpec{
		Backpressure: "spill",
	}, func(context.Context, *smeargle.Event) error { return nil })
	if !errors.Is(err, smeargle.ErrInvalidSubscription) {
		t.Fatalf("subscribe error = %v, want ErrInvalidSubscription", err)
	}
}

func TestEventBusCloseRejectsNewPublish(t *testing.T) {
	t.Parallel()

	bus := NewEventBus(8, 1, time.Second, nil)
	if err := bus.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if err := bus.Publish(context.Background(), newTestEvent("e1", "chat-1", "hello")); err == nil {
		t.Fatal("expected publish on closed bus to fail")
	}
	if err := bus.Close(context.Background()); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
}

func TestEventBusPublishInvalidEventReturnsError(t *testing.T) {
	t.Parallel()

	bus := NewEventBus(8, 1, time.Second, nil)
	t.Cleanup(func() {
		_ = bus.Close(context.Background())
	})

	if err := bus.Publish(context.Background(), nil); !errors.Is(err, smeargle.ErrInvalidEvent) {
		t.Fatalf("nil publish error = %v, want ErrInvalidEvent", err)
	}
	event := newTestEvent("e1", "chat-1", "hello")
	event.Message = nil
	if err := bus.Publish(context.Background(), event); !errors.Is(err, smeargle.ErrInvalidEvent) {
		t.Fatalf("publish error = %v, want ErrInvalidEvent", err)
	}
}

func newTestEvent(id string, conversationID string, text string) *smeargle.Event {
	return &smeargle.Event{
		ID:         id,
		Kind:       smeargle.EventKindMessageCreated,
		OccurredAt: time.Now().UTC(),
		Source:     smeargle.EventSource{Platform: smeargle.PlatformDiscord, ID: "discord-main"},
		Conversation: smeargle.Conversation{
			ID:    conversationID,
			Type:  smeargle.ConversationTypeGroup,
			Title: "pokemon",
		},
		Actor:   smeargle.Actor{ID: "user-1", Username: "ash"},
		Message: &smeargle.Message{ID: "msg-" + id, Text: text},
	}
}

func eventually(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}

	t.Fatal("condition not met before timeout")
}
