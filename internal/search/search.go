// Package search finds people to talk to and opens a conversation
// with them, reusing an existing one-on-one thread when it exists.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"boltalka/internal/backend"
	"boltalka/internal/models"
)

const resultLimit = 10

type Service struct {
	store  backend.Store
	selfID string
}

func New(store backend.Store, selfID string) *Service {
	return &Service{store: store, selfID: selfID}
}

// Search returns profiles whose username contains the query, own
// profile excluded. A blank query returns nothing without touching
// the backend.
func (s *Service) Search(ctx context.Context, query string) ([]models.Profile, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	results, err := s.store.SearchProfiles(ctx, s.selfID, query, resultLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to search profiles: %w", err)
	}
	return results, nil
}

// StartChat returns the id of a conversation with the other profile,
// reusing a shared one when present and otherwise creating it with
// both participants.
func (s *Service) StartChat(ctx context.Context, otherID string) (string, error) {
	existing, err := s.store.SharedConversation(ctx, s.selfID, otherID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return "", fmt.Errorf("failed to look up shared conversation: %w", err)
	}

	conv, err := s.store.CreateConversation(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}
	if err := s.store.AddParticipants(ctx, conv.ID, s.selfID, otherID); err != nil {
		return "", fmt.Errorf("failed to add participants: %w", err)
	}
	return conv.ID, nil
}
