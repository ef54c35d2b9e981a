// Package contextwindow selects the bounded slice of a conversation that is
// sent to inference.
package contextwindow

import (
	"errors"
	"unicode/utf8"

	"dialogue-core/internal/domain"
)

var (
	ErrEmptyConversation = errors.New("contextwindow: conversation has no turns")
	ErrInvalidBudget     = errors.New("contextwindow: budget limits must be positive")
)

// Build walks the conversation from the newest turn backwards and keeps turns
// while both budget limits hold. A turn that lands exactly on the length limit
// is kept. The newest turn is always present; when it alone exceeds
// MaxLength its content is cut to MaxLength code points.
//
// Build does no I/O and returns the same window for the same input.
func Build(conv domain.Conversation, budget domain.Budget) (domain.ContextWindow, error) {
	if budget.MaxLength <= 0 || budget.MaxTurns <= 0 {
		return domain.ContextWindow{}, ErrInvalidBudget
	}
	if len(conv.Turns) == 0 {
		return domain.ContextWindow{}, ErrEmptyConversation
	}

	newest := conv.Turns[len(conv.Turns)-1]
	win := domain.ContextWindow{Key: conv.Key}

	size := utf8.RuneCountInString(newest.Content)
	if size > budget.MaxLength {
		newest.Content = truncate(newest.Content, budget.MaxLength)
		win.Turns = []domain.Turn{newest}
		win.Length = budget.MaxLength
		win.Truncated = true
		return win, nil
	}

	start := len(conv.Turns) - 1
	total := size
	for i := len(conv.Turns) - 2; i >= 0; i-- {
		if len(conv.Turns)-i > budget.MaxTurns {
			break
		}
		n := utf8.RuneCountInString(conv.Turns[i].Content)
		if total+n > budget.MaxLength {
			break
		}
		total += n
		start = i
	}

	win.Turns = make([]domain.Turn, 0, len(conv.Turns)-start)
	win.Turns = append(win.Turns, conv.Turns[start:len(conv.Turns)-1]...)
	win.Turns = append(win.Turns, newest)
	win.Length = total
	return win, nil
}

func truncate(s string, limit int) string {
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}
