package generation

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mohammad-safakhou/rebuttal/config"
	"github.com/mohammad-safakhou/rebuttal/models"
)

// OpenAI streams chat completions from any OpenAI-compatible endpoint.
type OpenAI struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
}

func NewOpenAI(cfg config.LLMConfig) *OpenAI {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		client:      openai.NewClientWithConfig(oc),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
}

func chatRole(r models.Role) string {
	switch r {
	case models.RoleUser:
		return openai.ChatMessageRoleUser
	case models.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	case models.RoleSystem:
		return openai.ChatMessageRoleSystem
	}
	return openai.ChatMessageRoleUser
}

func chatMessages(req Request) []openai.ChatCompletionMessage {
	msgs := []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt(req)}}
	for _, t := range Conversation(req.History) {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: chatRole(t.Role), Content: t.Content})
	}
	return append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Turn})
}

func (o *OpenAI) Stream(ctx context.Context, req Request) (Stream, error) {
	s, err := o.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    chatMessages(req),
		MaxTokens:   o.maxTokens,
		Temperature: o.temperature,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}
	return &openAIStream{s: s}, nil
}

type openAIStream struct {
	s *openai.ChatCompletionStream
}

func (o *openAIStream) Recv() (Item, error) {
	for {
		resp, err := o.s.Recv()
		if err != nil {
			return Item{}, err
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}
		return Item{Text: resp.Choices[0].Delta.Content}, nil
	}
}

func (o *openAIStream) Close() error { return o.s.Close() }
