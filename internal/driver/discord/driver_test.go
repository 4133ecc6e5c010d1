package discord

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"smeargle/pkg/smeargle"

	"github.com/bwmarrin/discordgo"
)

func TestDriverPublishesGatewayMessages(t *testing.T) {
	t.Parallel()

	session := newFakeGateway()
	driver, err := NewDriver(session, WithName("discord-main"))
	if err != nil {
		t.Fatalf("new driver failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &captureSink{}
	done := make(chan error, 1)
	go func() {
		done <- driver.Start(ctx, sink)
	}()
	waitOpened(t, session)

	session.emitReady(&discordgo.Ready{User: &discordgo.User{ID: "bot", Username: "smeargle"}})
	session.emitMessage(&discordgo.Message{
		ID:        "m1",
		ChannelID: "c1",
		GuildID:   "g1",
		Content:   "!pikachu",
		Author:    &discordgo.User{ID: "u1", Username: "ash"},
	})
	session.emitMessage(&discordgo.Message{
		ID:        "m2",
		ChannelID: "c1",
		GuildID:   "g1",
		Content:   "Pong!",
		Author:    &discordgo.User{ID: "bot", Username: "smeargle", Bot: true},
	})

	events := sink.snapshot()
	if len(events) != 2 {
		t.Fatalf("published events = %d, want 2", len(events))
	}
	if events[0].Source.ID != "discord-main" || events[0].Actor.IsSelf {
		t.Fatalf("events[0] = %+v, want non-self from discord-main", events[0])
	}
	if !events[1].Actor.IsSelf {
		t.Fatal("events[1] self = false, want true")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("start error = %v, want nil after cancel", err)
	}
	if session.closeCount() != 1 {
		t.Fatalf("close count = %d, want 1", session.closeCount())
	}
	if err := driver.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if session.closeCount() != 1 {
		t.Fatalf("close count after shutdown = %d, want 1", session.closeCount())
	}
}

func TestDriverDisconnect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		reconnect bool
		wantLost  bool
	}{
		{name: "disconnect ends driver", wantLost: true},
		{name: "reconnect keeps driver running", reconnect: true},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			session := newFakeGateway()
			driver, err := NewDriver(session, WithReconnect(testCase.reconnect))
			if err != nil {
				t.Fatalf("new driver failed: %v", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			done := make(chan error, 1)
			go func() {
				done <- driver.Start(ctx, &captureSink{})
			}()
			waitOpened(t, session)
			session.emitDisconnect()

			if testCase.wantLost {
				select {
				case err := <-done:
					if !errors.Is(err, smeargle.ErrConnectionLost) {
						t.Fatalf("start error = %v, want ErrConnectionLost", err)
					}
				case <-time.After(time.Second):
					t.Fatal("driver did not stop after disconnect")
				}
				return
			}

			select {
			case err := <-done:
				t.Fatalf("driver stopped with %v, want still running", err)
			case <-time.After(50 * time.Millisecond):
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("start error = %v, want nil", err)
			}
		})
	}
}

func TestDriverOpenFailureIsConnectionLost(t *testing.T) {
	t.Parallel()

	openErr := errors.New("invalid token")
	session := newFakeGateway()
	session.openErr = openErr
	driver, err := NewDriver(session)
	if err != nil {
		t.Fatalf("new driver failed: %v", err)
	}

	err = driver.Start(context.Background(), &captureSink{})
	if !errors.Is(err, smeargle.ErrConnectionLost) || !errors.Is(err, openErr) {
		t.Fatalf("start error = %v, want ErrConnectionLost wrapping open error", err)
	}
	if len(session.handlers()) != 0 {
		t.Fatalf("handlers = %d after failed start, want 0", len(session.handlers()))
	}
}

func TestNewDriverValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewDriver(nil); err == nil {
		t.Fatal("expected nil session error")
	}
	driver, err := NewDriver(newFakeGateway())
	if err != nil {
		t.Fatalf("new driver failed: %v", err)
	}
	if driver.Name() != DriverType {
		t.Fatalf("name = %q, want %q", driver.Name(), DriverType)
	}
	if err := driver.Start(context.Background(), nil); err == nil {
		t.Fatal("expected nil sink error")
	}
}

func waitOpened(t *testing.T, session *fakeGateway) {
	t.Helper()

	select {
	case <-session.opened:
	case <-time.After(time.Second):
		t.Fatal("gateway was not opened")
	}
}

type captureSink struct {
	mu     sync.Mutex
	events []*smeargle.Event
}

func (s *captureSink) Publish(_ context.Context, event *smeargle.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, event)
	return nil
}

func (s *captureSink) snapshot() []*smeargle.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]*smeargle.Event(nil), s.events...)
}

type fakeGateway struct {
	mu       sync.Mutex
	next     int
	handlerM map[int]interface{}
	openErr  error
	opened   chan struct{}
	closes   int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		handlerM: make(map[int]interface{}),
		opened:   make(chan struct{}),
	}
}

func (g *fakeGateway) AddHandler(handler interface{}) func() {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := g.next
	g.next++
	g.handlerM[id] = handler

	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.handlerM, id)
	}
}

func (g *fakeGateway) Open() error {
	if g.openErr != nil {
		return g.openErr
	}
	close(g.opened)

	return nil
}

func (g *fakeGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.closes++
	return nil
}

func (g *fakeGateway) closeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.closes
}

func (g *fakeGateway) handlers() []interface{} {
	g.mu.Lock()
	defer g.mu.Unlock()

	handlers := make([]interface{}, 0, len(g.handlerM))
	for id := range g.next {
		if handler, ok := g.handlerM[id]; ok {
			handlers = append(handlers, handler)
		}
	}

	return handlers
}

func (g *fakeGateway) emitReady(ready *discordgo.Ready) {
	for _, handler := range g.handlers() {
		if typed, ok := handler.(func(*discordgo.Session, *discordgo.Ready)); ok {
			typed(nil, ready)
		}
	}
}

func (g *fakeGateway) emitMessage(message *discordgo.Message) {
	for _, handler := range g.handlers() {
		if typed, ok := handler.(func(*discordgo.Session, *discordgo.MessageCreate)); ok {
			typed(nil, &discordgo.MessageCreate{Message: message})
		}
	}
}

func (g *fakeGateway) emitDisconnect() {
	for _, handler := range g.handlers() {
		if typed, ok := handler.(func(*discordgo.Session, *discordgo.Disconnect)); ok {
			typed(nil, &discordgo.Disconnect{})
		}
	}
}
