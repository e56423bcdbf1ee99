package llm

import (
	"context"
	"errors"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
)

type openAIClient struct {
	client openai.Client
}

func newOpenAIClient(apiKey string, baseURL string) *openAIClient {
	opts := []ooption.RequestOption{ooption.WithAPIKey(apiKey)}
	if u := strings.TrimSpace(baseURL); u != "" {
		opts = append(opts, ooption.WithBaseURL(u))
	}
	return &openAIClient{client: openai.NewClient(opts...)}
}

func (c *openAIClient) Complete(ctx context.Context, req Request) (*Result, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, errors.New("missing model")
	}

	params := openai.ChatCompletionNewParams{
		Model:    strings.TrimSpace(req.Model),
		Messages: buildOpenAIMessages(req.Messages),
		Tools:    buildOpenAITools(req.Tools),
	}
	if req.MaxOutputTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxOutputTokens))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, wrapOpenAIErr(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{Message: "empty choices in completion response"}
	}

	choice := resp.Choices[0]
	out := &Result{
		Text:         strings.TrimSpace(choice.Message.Content),
		StopReason:   string(choice.FinishReason),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:            strings.TrimSpace(tc.ID),
			Name:          strings.TrimSpace(tc.Function.Name),
			ArgumentsJSON: tc.Function.Arguments,
		})
	}
	return out, nil
}

func buildOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			asst := openai.ChatCompletionAssistantMessageParam{}
			if txt := strings.TrimSpace(m.Content); txt != "" {
				asst.Content.OfString = openai.String(txt)
			}
			for _, tc := range m.ToolCalls {
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.ArgumentsJSON,
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	if len(out) == 0 {
		out = append(out, openai.UserMessage("Continue."))
	}
	return out
}

func buildOpenAITools(defs []ToolDef) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			continue
		}
		schema := def.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        name,
				Description: openai.String(strings.TrimSpace(def.Description)),
				Parameters:  openai.FunctionParameters(schema),
			},
		})
	}
	return out
}

func wrapOpenAIErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &Error{
			Status:  apiErr.StatusCode,
			Code:    apiErr.Code,
			Message: apiErr.Error(),
			cause:   err,
		}
	}
	return &Error{Message: err.Error(), cause: err}
}
