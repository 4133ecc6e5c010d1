package telegram

import (
	"context"
	"fmt"
)

// GotdBotClient abstracts the authorized gotd bot session.
type GotdBotClient interface {
	// Run connects, authorizes, and executes fn within the session lifetime.
	// fn receives the authorized bot user id.
	Run(ctx context.Context, fn func(runCtx context.Context, selfID int64) error) error
}

// GotdBotSource wires gotd bot updates into UpdateSource.
type GotdBotSource struct {
	client  GotdBotClient
	updates <-chan gotdUpdateEnvelope
	mapper  *gotdMessageMapper
}

// NewGotdBotSource creates a source backed by one gotd bot session.
func NewGotdBotSource(client GotdBotClient, stream *GotdUpdateChannel, peers *PeerCache) (*GotdBotSource, error) {
	if client == nil {
		return nil, fmt.Errorf("new gotd bot source: nil client")
	}
	if stream == nil {
		return nil, fmt.Errorf("new gotd bot source: nil stream")
	}
	if peers == nil {
		return nil, fmt.Errorf("new gotd bot source: nil peer cache")
	}

	return &GotdBotSource{
		client:  client,
		updates: stream.Updates(),
		mapper:  newGotdMessageMapper(peers),
	}, nil
}

// Consume runs the bot session and forwards mapped messages to the handler.
func (s *GotdBotSource) Consume(ctx context.Context, handler UpdateHandler) error {
	if handler == nil {
		return fmt.Errorf("consume gotd bot updates: nil handler")
	}

	err := s.client.Run(ctx, func(runCtx context.Context, selfID int64) error {
		s.mapper.setSelfID(selfID)

		for {
			select {
			case <-runCtx.Done():
				return nil
			case envelope := <-s.updates:
				update, accepted, mapErr := s.mapSafely(envelope)
				if mapErr != nil {
					return mapErr
				}
				if !accepted {
					continue
				}
				if err := handler(runCtx, update); err != nil {
					return fmt.Errorf("consume gotd update %s: %w", update.ID, err)
				}
			}
		}
	})
	if err != nil {
		return fmt.Errorf("consume gotd bot updates: %w", err)
	}

	return nil
}

// mapSafely isolates mapper panics so a malformed update cannot crash the process.
func (s *GotdBotSource) mapSafely(envelope gotdUpdateEnvelope) (update Update, accepted bool, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("map gotd update panic: %v", recovered)
		}
	}()

	update, accepted = s.mapper.Map(envelope)

	return update, accepted, nil
}
