// Package llm asks an OpenAI-compatible model for advisory grades of free-text answers.
// Suggestions are shown to reviewers and never change an attempt.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aqrarportal/examengine/internal/llm/prompts"
	"github.com/aqrarportal/examengine/internal/model"
	"github.com/aqrarportal/examengine/internal/scoring"

	openai "github.com/sashabaranov/go-openai"
)

// ErrNotConfigured is returned by a nil Client.
var ErrNotConfigured = errors.New("llm not configured")

// Suggestion is the model's proposal for one pending answer.
type Suggestion struct {
	QuestionID int64   `json:"question_id"`
	Points     float64 `json:"points"`
	MaxPoints  float64 `json:"max_points"`
	Feedback   string  `json:"feedback"`
	Rationale  string  `json:"rationale"`
	Error      string  `json:"error,omitempty"`
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api   *openai.Client
	model string
}

// New creates a new LLM client.
func New(baseURL, apiKey, modelName string) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}
}

// Suggest returns one suggestion per pending answer of the review view. A failure for a
// single answer is reported in its Suggestion rather than failing the whole call.
func (c *Client) Suggest(ctx context.Context, view model.ReviewView, lang string) ([]Suggestion, error) {
	if c == nil {
		return nil, ErrNotConfigured
	}
	out := make([]Suggestion, 0, len(view.Pending))
	for _, p := range view.Pending {
		s, err := c.SuggestGrade(ctx, view.Exam.Title, p.Question, p.Answer, lang)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Warn("grade suggestion failed", "registration_id", view.Registration.ID,
				"question_id", p.Question.ID, "error", err)
			s = Suggestion{QuestionID: p.Question.ID, Error: err.Error()}
		}
		out = append(out, s)
	}
	return out, nil
}

// SuggestGrade asks the model to grade a single text answer. Points are clamped to the
// question's range.
func (c *Client) SuggestGrade(ctx context.Context, examTitle string, q model.Question, a model.Answer, lang string) (Suggestion, error) {
	maxPts, err := scoring.MaxPoints(q)
	if err != nil {
		return Suggestion{}, err
	}
	var text string
	if a.Payload.Text != nil {
		text = *a.Payload.Text
	}
	prompt, err := prompts.BuildSuggestPrompt(prompts.SuggestData{
		ExamTitle:    examTitle,
		QuestionText: q.Text,
		MaxPoints:    maxPts,
		Answer:       text,
		Language:     lang,
	})
	if err != nil {
		return Suggestion{}, fmt.Errorf("build prompt: %w", err)
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return Suggestion{}, fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Suggestion{}, fmt.Errorf("LLM returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "question_id", q.ID, "raw", raw)

	var result struct {
		Points    float64 `json:"points"`
		Feedback  string  `json:"feedback"`
		Rationale string  `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return Suggestion{}, fmt.Errorf("parse LLM response: %w (raw: %s)", err, raw)
	}
	return Suggestion{
		QuestionID: q.ID,
		Points:     min(max(result.Points, 0), maxPts),
		MaxPoints:  maxPts,
		Feedback:   result.Feedback,
		Rationale:  result.Rationale,
	}, nil
}
