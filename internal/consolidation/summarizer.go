package consolidation

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// Summarizer optionally words the reflection summary from an episodic
// batch. The heuristic pipeline works standalone; when a Summarizer is
// configured its output replaces only the summary wording, and any error
// falls back to the heuristic text.
type Summarizer interface {
	Summarize(ctx context.Context, handoffs []Handoff, questions []string) (string, error)
}

// OpenAISummarizer words summaries through a chat-completion model,
// rate-limited so a large backlog cannot burst the provider.
type OpenAISummarizer struct {
	client  *openai.Client
	limiter *rate.Limiter
	model   string
}

// NewOpenAISummarizer builds a summarizer for the given API key. rps caps
// requests per second across all tenants in a run.
func NewOpenAISummarizer(apiKey, model string, rps float64) *OpenAISummarizer {
	if model == "" {
		model = openai.GPT4oMini
	}
	if rps <= 0 {
		rps = 1
	}
	return &OpenAISummarizer{
		client:  openai.NewClient(apiKey),
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		model:   model,
	}
}

// Summarize asks the model for a single-paragraph summary answering the
// salient questions.
func (s *OpenAISummarizer) Summarize(ctx context.Context, handoffs []Handoff, questions []string) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("summarizer rate limit: %w", err)
	}

	var b strings.Builder
	b.WriteString("Compress the following session handoffs into one paragraph")
	if len(questions) > 0 {
		b.WriteString(", answering these questions: ")
		b.WriteString(strings.Join(questions, " "))
	}
	b.WriteString("\n\n")
	for i := range handoffs {
		h := &handoffs[i]
		fmt.Fprintf(&b, "- [%s significance=%.2f] %s\n", h.SessionID, h.Significance, h.Summary)
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: b.String()},
		},
	})
	if err != nil {
		return "", fmt.Errorf("summarizer completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("summarizer returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
