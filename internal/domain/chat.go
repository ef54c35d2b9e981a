package domain

// ChatMessage is the provider-agnostic chat message shape sent to inference
// backends.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams tune a single completion request.
type GenerationParams struct {
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}
