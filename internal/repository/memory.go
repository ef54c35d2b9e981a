package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"dialogue-core/internal/domain"
	"dialogue-core/internal/resilience"
)

// Memory is an in-process persistence backend with the same append
// semantics as Client. It backs local runs and tests.
type Memory struct {
	mu    sync.Mutex
	convs map[string]*memoryConv
	now   func() time.Time
}

type memoryConv struct {
	status domain.Status
	turns  map[int64]domain.Turn
	state  domain.ConversationState
}

// NewMemory returns an empty Memory backend.
func NewMemory() *Memory {
	return &Memory{convs: make(map[string]*memoryConv), now: time.Now}
}

func (m *Memory) conv(conversationKey string) *memoryConv {
	mc, ok := m.convs[conversationKey]
	if !ok {
		mc = &memoryConv{status: domain.StatusActive, turns: make(map[int64]domain.Turn)}
		m.convs[conversationKey] = mc
	}
	return mc
}

// Load returns the stored turns in sequence order, or domain.ErrNotFound.
func (m *Memory) Load(_ context.Context, conversationKey string) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mc, ok := m.convs[conversationKey]
	if !ok {
		return domain.Conversation{}, fmt.Errorf("repository: Load %q: %w", conversationKey, domain.ErrNotFound)
	}
	conv := domain.NewConversation(conversationKey)
	conv.Status = mc.status
	for _, t := range mc.turns {
		conv.Turns = append(conv.Turns, t)
	}
	sort.Slice(conv.Turns, func(i, j int) bool { return conv.Turns[i].Seq < conv.Turns[j].Seq })
	if n := len(conv.Turns); n > 0 {
		conv.Seq = conv.Turns[n-1].Seq
		conv.LastActivity = conv.Turns[n-1].CreatedAt
	}
	return conv, nil
}

// AppendDurable stores turn at expectedSeq. A repeat of an identical turn is
// acknowledged; a different turn at an occupied position is a conflict.
func (m *Memory) AppendDurable(_ context.Context, conversationKey string, turn domain.Turn, expectedSeq int64) error {
	if expectedSeq < 1 || turn.Seq != expectedSeq {
		return resilience.Terminal(resilience.ClassMalformedRequest,
			fmt.Errorf("repository: AppendDurable: turn sequence %d does not match expected %d", turn.Seq, expectedSeq))
	}
	if !turn.Role.Valid() {
		return resilience.Terminal(resilience.ClassMalformedRequest,
			fmt.Errorf("repository: AppendDurable: invalid role %q", turn.Role))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	mc := m.conv(conversationKey)
	if existing, ok := mc.turns[expectedSeq]; ok {
		if existing.SameContent(turn) {
			return nil
		}
		return resilience.Terminal(resilience.ClassIntegrityConflict,
			fmt.Errorf("repository: AppendDurable %q seq %d: %w", conversationKey, expectedSeq, domain.ErrConflict))
	}
	mc.turns[expectedSeq] = turn
	return nil
}

// Archive marks a conversation archived. Archived conversations stay
// readable but refuse further appends in the state store.
func (m *Memory) Archive(_ context.Context, conversationKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conv(conversationKey).status = domain.StatusArchived
	return nil
}

// GetState returns the stored state, or the zero value.
func (m *Memory) GetState(_ context.Context, conversationKey string) (domain.ConversationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.convs[conversationKey]
	if !ok {
		return domain.ConversationState{}, nil
	}
	return copyState(mc.state), nil
}

// PutState replaces the stored state.
func (m *Memory) PutState(_ context.Context, conversationKey string, st domain.ConversationState) (domain.ConversationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st.UpdatedAt = m.now().UTC()
	st = copyState(st)
	m.conv(conversationKey).state = st
	return copyState(st), nil
}

func copyState(st domain.ConversationState) domain.ConversationState {
	if st.Data != nil {
		data := make(map[string]any, len(st.Data))
		for k, v := range st.Data {
			data[k] = v
		}
		st.Data = data
	}
	return st
}
