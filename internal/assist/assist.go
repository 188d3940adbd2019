// Package assist is the dashboard's boundary to an external text-generation
// service. It offers a streamed chat for the help assistant, a zone safety
// briefing for the map view, and a root-cause summary for a group of
// signals on the case view.
//
// Results are advisory. AnalyzeZone and AnalyzeCase never fail: when the
// service is unreachable they return a fixed fallback text instead.
package assist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/earlyshield/dashboard/internal/domain"
)

// Fallback texts returned when the service cannot produce an answer.
const (
	ZoneFallback = "Unable to connect to Maps Intelligence. Using cached protocols."
	CaseFallback = "AI Analysis unavailable."
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

const persona = "You are the AI Assistant for EarlyShield, a campus risk management platform. " +
	"You help students report issues and admins manage risks. Be concise, helpful, and professional."

// Speaker identifies who produced a chat turn.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerModel Speaker = "model"
)

// Turn is one prior message in a chat conversation.
type Turn struct {
	Speaker Speaker `json:"role"`
	Text    string  `json:"parts"`
}

// Chunk is one increment of a streamed reply. A chunk with a non-nil Err is
// the last one sent.
type Chunk struct {
	Text string
	Err  error
}

// Assistant is the text-generation boundary used by the HTTP mirror.
type Assistant interface {
	Chat(ctx context.Context, history []Turn, message string) (<-chan Chunk, error)
	AnalyzeZone(ctx context.Context, zoneName string, risk domain.RiskLevel) string
	AnalyzeCase(ctx context.Context, signals []domain.Signal) string
}

// OpenAI implements Assistant over an OpenAI-compatible chat completions API.
type OpenAI struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

var _ Assistant = (*OpenAI)(nil)

// Config selects the endpoint and model. An empty BaseURL keeps the public
// OpenAI endpoint; an empty Model selects DefaultModel.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// NewOpenAI builds an OpenAI assistant. A nil logger selects slog.Default().
func NewOpenAI(cfg Config, logger *slog.Logger) *OpenAI {
	if logger == nil {
		logger = slog.Default()
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	logger.Info("assist: initialising client", slog.String("model", model))
	return &OpenAI{client: openai.NewClientWithConfig(oc), model: model, logger: logger}
}

// Chat sends message after history and streams the reply. The returned
// channel is closed after the final chunk. Cancelling ctx ends the stream.
func (o *OpenAI) Chat(ctx context.Context, history []Turn, message string) (<-chan Chunk, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: persona})
	for _, t := range history {
		role := openai.ChatMessageRoleUser
		if t.Speaker == SpeakerModel {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: t.Text})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: message})

	stream, err := o.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: msgs,
		Stream:   true,
	})
	if err != nil {
		o.logger.Error("assist: chat stream failed", slog.Any("error", err))
		return nil, fmt.Errorf("assist: chat: %w", err)
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				send(ctx, out, Chunk{Err: fmt.Errorf("assist: chat: %w", err)})
				return
			}
			if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
				continue
			}
			if !send(ctx, out, Chunk{Text: resp.Choices[0].Delta.Content}) {
				return
			}
		}
	}()
	return out, nil
}

func send(ctx context.Context, out chan<- Chunk, c Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// AnalyzeZone returns a short location summary with safety recommendations
// for zoneName, or ZoneFallback.
func (o *OpenAI) AnalyzeZone(ctx context.Context, zoneName string, risk domain.RiskLevel) string {
	prompt := fmt.Sprintf(`Analyze the location %q (University Campus Context).
Current internal risk level: %s.
Suggest safety protocols for this place or similar places if it is generic.
Provide a brief 2-sentence summary of the location and 3 bullet points for safety recommendations.`, zoneName, risk)

	text, err := o.complete(ctx, prompt)
	if err != nil {
		o.logger.Warn("assist: zone analysis failed", slog.String("zone", zoneName), slog.Any("error", err))
		return ZoneFallback
	}
	return text
}

// AnalyzeCase summarises the root cause of signals, judges whether they form
// a cluster and recommends an immediate action. The reply is HTML with bold
// emphasis. It returns CaseFallback on failure.
func (o *OpenAI) AnalyzeCase(ctx context.Context, signals []domain.Signal) string {
	var b strings.Builder
	for _, s := range signals {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", s.Timestamp, s.Title, s.Description)
	}
	prompt := "Analyze these risk signals received from campus:\n" + b.String() + `
1. Summarize the root cause.
2. Determine if this is an isolated incident or a cluster.
3. Recommend an immediate action for the admin.

Format as HTML string (no markdown blocks) with bold tags for emphasis.`

	text, err := o.complete(ctx, prompt)
	if err != nil {
		o.logger.Warn("assist: case analysis failed", slog.Int("signals", len(signals)), slog.Any("error", err))
		return CaseFallback
	}
	return text
}

func (o *OpenAI) complete(ctx context.Context, prompt string) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: persona},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", errors.New("no choices returned")
	}
	o.logger.Debug("assist: completion", slog.String("finish_reason", string(resp.Choices[0].FinishReason)))
	return resp.Choices[0].Message.Content, nil
}
