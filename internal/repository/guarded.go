package repository

import (
	"context"
	"errors"

	"dialogue-core/internal/domain"
	"dialogue-core/internal/resilience"
)

// Backend is the persistence contract shared by Client and Memory.
type Backend interface {
	Load(ctx context.Context, conversationKey string) (domain.Conversation, error)
	AppendDurable(ctx context.Context, conversationKey string, turn domain.Turn, expectedSeq int64) error
}

// Metadata is implemented by backends that store conversation state and
// status beside the turns.
type Metadata interface {
	GetState(ctx context.Context, conversationKey string) (domain.ConversationState, error)
	PutState(ctx context.Context, conversationKey string, st domain.ConversationState) (domain.ConversationState, error)
	Archive(ctx context.Context, conversationKey string) error
}

// ErrNoMetadata is returned when the wrapped backend does not implement
// Metadata.
var ErrNoMetadata = errors.New("repository: backend does not store conversation metadata")

// Guarded runs every Backend call through a resilience.Client, so that the
// persistence collaborator gets retries and a circuit breaker.
type Guarded struct {
	backend Backend
	client  *resilience.Client
}

// NewGuarded wraps backend with client.
func NewGuarded(backend Backend, client *resilience.Client) (*Guarded, error) {
	if backend == nil {
		return nil, errors.New("repository: backend must not be nil")
	}
	if client == nil {
		return nil, errors.New("repository: resilience client must not be nil")
	}
	return &Guarded{backend: backend, client: client}, nil
}

type loadResult struct {
	conv  domain.Conversation
	found bool
}

// Load returns domain.ErrNotFound for a missing conversation without
// counting it against the breaker.
func (g *Guarded) Load(ctx context.Context, conversationKey string) (domain.Conversation, error) {
	res, err := resilience.Do(ctx, g.client, func(ctx context.Context) (loadResult, error) {
		conv, err := g.backend.Load(ctx, conversationKey)
		if errors.Is(err, domain.ErrNotFound) {
			return loadResult{}, nil
		}
		if err != nil {
			return loadResult{}, err
		}
		return loadResult{conv: conv, found: true}, nil
	})
	if err != nil {
		return domain.Conversation{}, err
	}
	if !res.found {
		return domain.Conversation{}, domain.ErrNotFound
	}
	return res.conv, nil
}

// AppendDurable retries transient failures. Retrying is safe because the
// backend acknowledges an identical turn already stored at expectedSeq.
func (g *Guarded) AppendDurable(ctx context.Context, conversationKey string, turn domain.Turn, expectedSeq int64) error {
	_, err := resilience.Do(ctx, g.client, func(ctx context.Context) (struct{}, error) {
		err := g.backend.AppendDurable(ctx, conversationKey, turn, expectedSeq)
		if err != nil && errors.Is(err, domain.ErrConflict) {
			return struct{}{}, resilience.Terminal(resilience.ClassIntegrityConflict, err)
		}
		return struct{}{}, err
	})
	return err
}

func (g *Guarded) metadata() (Metadata, error) {
	m, ok := g.backend.(Metadata)
	if !ok {
		return nil, ErrNoMetadata
	}
	return m, nil
}

func (g *Guarded) GetState(ctx context.Context, conversationKey string) (domain.ConversationState, error) {
	m, err := g.metadata()
	if err != nil {
		return domain.ConversationState{}, err
	}
	return resilience.Do(ctx, g.client, func(ctx context.Context) (domain.ConversationState, error) {
		return m.GetState(ctx, conversationKey)
	})
}

// PutState is a last-writer-wins replace, so retrying it is safe.
func (g *Guarded) PutState(ctx context.Context, conversationKey string, st domain.ConversationState) (domain.ConversationState, error) {
	m, err := g.metadata()
	if err != nil {
		return domain.ConversationState{}, err
	}
	return resilience.Do(ctx, g.client, func(ctx context.Context) (domain.ConversationState, error) {
		return m.PutState(ctx, conversationKey, st)
	})
}

func (g *Guarded) Archive(ctx context.Context, conversationKey string) error {
	m, err := g.metadata()
	if err != nil {
		return err
	}
	_, err = resilience.Do(ctx, g.client, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.Archive(ctx, conversationKey)
	})
	return err
}
