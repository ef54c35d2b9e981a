package usecase

import (
	"context"
	"strings"
	"time"

	"dialogue-core/internal/domain"
)

// FallbackReply is returned when inference fails after retries.
const FallbackReply = "I'm unable to respond right now. Please try again shortly."

const promptFetchTimeout = 5 * time.Second

const defaultSystemPrompt = "You are a helpful assistant. Answer the user's latest message " +
	"using the preceding conversation as context. Keep responses concise."

// generationParams returns the configured parameters with the system prompt
// resolved. A prompt stored under <prefix>/system-prompt wins over the
// configured one and is read once per process.
func (o *Orchestrator) generationParams(ctx context.Context) domain.GenerationParams {
	params := o.settings.Generation
	if prompt := o.pinnedPrompt(ctx); prompt != "" {
		params.SystemPrompt = prompt
	}
	if strings.TrimSpace(params.SystemPrompt) == "" {
		params.SystemPrompt = defaultSystemPrompt
	}
	return params
}

func (o *Orchestrator) pinnedPrompt(ctx context.Context) string {
	if o.params == nil {
		return ""
	}
	o.promptMu.RLock()
	loaded, prompt := o.promptLoaded, o.prompt
	o.promptMu.RUnlock()
	if loaded {
		return prompt
	}

	// The lookup is shared by concurrent turns, so it must not inherit any
	// one caller's cancellation.
	ch := o.promptFetch.DoChan("system-prompt", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), promptFetchTimeout)
		defer cancel()
		raw, err := o.params.GetParameter(fetchCtx, o.settings.ParamPrefix+"/system-prompt")
		if err != nil {
			return "", err
		}
		p := normalizePromptInput(raw)
		o.promptMu.Lock()
		o.prompt, o.promptLoaded = p, true
		o.promptMu.Unlock()
		return p, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			// Not cached: the next turn tries again.
			o.logger.Warn("system prompt parameter unavailable, using configured prompt", "err", res.Err)
			return ""
		}
		return res.Val.(string)
	case <-ctx.Done():
		return ""
	}
}

// normalizeReply trims the model output before it is stored as a turn.
func normalizeReply(s string) string {
	return strings.TrimSpace(s)
}

func normalizePromptInput(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}
