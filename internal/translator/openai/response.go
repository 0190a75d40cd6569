package openai

import (
	"encoding/json"
	"fmt"

	"github.com/aistudio-proxy/aistudio-proxy/internal/translator/internaldialect"
)

// StreamState is the per-request state object carried across a streaming
// response's internal chunks: a stable id/timestamp, whether the assistant
// role line has been emitted, the running tool-call index, which content
// blocks are open, and the cached usage (emitted once, on the terminal
// chunk).
type StreamState struct {
	ID               string
	Created          int64
	Model            string
	roleEmitted      bool
	toolCallIndex    int
	thinkingOpen     bool
	textOpen         bool
	sawToolCall      bool
	usage            *internaldialect.UsageMetadata
}

// NewStreamState starts a fresh per-request state object. id and createdUnix
// are supplied by the caller (the handler allocates the request id; the
// timestamp comes from wall-clock time captured once at dispatch).
func NewStreamState(id string, createdUnix int64, model string) *StreamState {
	return &StreamState{ID: id, Created: createdUnix, Model: model}
}

// chunkEnvelope is the outbound OpenAI streaming chunk shape.
type chunkEnvelope struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []streamChoice `json:"choices"`
	Usage   *usagePayload  `json:"usage,omitempty"`
}

type streamChoice struct {
	Index        int          `json:"index"`
	Delta        deltaPayload `json:"delta"`
	FinishReason *string      `json:"finish_reason"`
}

type deltaPayload struct {
	Role             string          `json:"role,omitempty"`
	Content          string          `json:"content,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	ToolCalls        []toolCallDelta `json:"tool_calls,omitempty"`
}

type toolCallDelta struct {
	Index    int                  `json:"index"`
	ID       string               `json:"id,omitempty"`
	Type     string               `json:"type,omitempty"`
	Function *functionCallPayload `json:"function,omitempty"`
}

type functionCallPayload struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type usagePayload struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// TranslateChunk consumes one internal-dialect chunk and emits zero or more
// SSE "data: ..." lines (already framed, ready to write to the response
// body), preserving per-part ordering within the chunk.
func (s *StreamState) TranslateChunk(chunk *internaldialect.Chunk) []string {
	var lines []string
	if chunk.UsageMetadata != nil {
		s.usage = chunk.UsageMetadata
	}
	if len(chunk.Candidates) == 0 {
		return lines
	}
	cand := chunk.Candidates[0]

	for _, part := range cand.Content.Parts {
		d := deltaPayload{}
		if !s.roleEmitted {
			d.Role = "assistant"
			s.roleEmitted = true
		}
		switch {
		case part.FunctionCall != nil:
			s.sawToolCall = true
			args, _ := json.Marshal(json.RawMessage(part.FunctionCall.Args))
			if len(part.FunctionCall.Args) == 0 {
				args = []byte("{}")
			}
			d.ToolCalls = []toolCallDelta{{
				Index: s.toolCallIndex,
				ID:    fmt.Sprintf("call_%s_%d", s.ID, s.toolCallIndex),
				Type:  "function",
				Function: &functionCallPayload{
					Name:      part.FunctionCall.Name,
					Arguments: string(args),
				},
			}}
			s.toolCallIndex++
		case part.Thought:
			s.thinkingOpen = true
			d.ReasoningContent = part.Text
		case part.Text != "":
			s.textOpen = true
			d.Content = part.Text
		default:
			continue
		}
		lines = append(lines, s.frame(d, nil))
	}

	if cand.FinishReason != "" {
		reason := mapFinishReason(cand.FinishReason, s.sawToolCall)
		lines = append(lines, s.frame(deltaPayload{}, &reason))
		if s.usage != nil {
			lines = append(lines, s.frameUsage())
		}
	}
	return lines
}

// Done returns the terminal "data: [DONE]\n\n" line, emitted once after the
// terminal chunk's finish-reason frame.
func (s *StreamState) Done() string {
	return "data: [DONE]\n\n"
}

func (s *StreamState) frame(delta deltaPayload, finishReason *string) string {
	env := chunkEnvelope{
		ID:      s.ID,
		Object:  "chat.completion.chunk",
		Created: s.Created,
		Model:   s.Model,
		Choices: []streamChoice{{Index: 0, Delta: delta, FinishReason: finishReason}},
	}
	b, _ := json.Marshal(env)
	return "data: " + string(b) + "\n\n"
}

func (s *StreamState) frameUsage() string {
	env := chunkEnvelope{
		ID:      s.ID,
		Object:  "chat.completion.chunk",
		Created: s.Created,
		Model:   s.Model,
		Choices: []streamChoice{},
		Usage: &usagePayload{
			PromptTokens:     s.usage.PromptTokens(),
			CompletionTokens: s.usage.CompletionTokens(),
			TotalTokens:      s.usage.PromptTokens() + s.usage.CompletionTokens(),
		},
	}
	b, _ := json.Marshal(env)
	return "data: " + string(b) + "\n\n"
}

func mapFinishReason(fr internaldialect.FinishReason, sawToolCall bool) string {
	if sawToolCall {
		return "tool_calls"
	}
	switch fr {
	case internaldialect.FinishMaxTokens:
		return "length"
	case internaldialect.FinishSafety:
		return "content_filter"
	default:
		return "stop"
	}
}

// ChatCompletionResponse is the non-streaming OpenAI response body.
type ChatCompletionResponse struct {
	ID      string               `json:"id"`
	Object  string               `json:"object"`
	Created int64                `json:"created"`
	Model   string                `json:"model"`
	Choices []chatCompletionChoice `json:"choices"`
	Usage   *usagePayload        `json:"usage,omitempty"`
}

type chatCompletionChoice struct {
	Index        int           `json:"index"`
	Message      chatMessage   `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type chatMessage struct {
	Role             string          `json:"role"`
	Content          string          `json:"content"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	ToolCalls        []toolCallFinal `json:"tool_calls,omitempty"`
}

type toolCallFinal struct {
	ID       string              `json:"id"`
	Type     string              `json:"type"`
	Function functionCallPayload `json:"function"`
}

// AssembleResponse aggregates a full sequence of internal chunks (as
// produced by a non-streaming upstream turn) into a single OpenAI response
// body, mirroring the streaming assembly's content/role/usage handling.
func AssembleResponse(id string, createdUnix int64, model string, chunks []*internaldialect.Chunk) *ChatCompletionResponse {
	var text, reasoning string
	var toolCalls []toolCallFinal
	var finish internaldialect.FinishReason
	var usage *internaldialect.UsageMetadata
	sawToolCall := false

	for _, c := range chunks {
		if c.UsageMetadata != nil {
			usage = c.UsageMetadata
		}
		if len(c.Candidates) == 0 {
			continue
		}
		cand := c.Candidates[0]
		if cand.FinishReason != "" {
			finish = cand.FinishReason
		}
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				sawToolCall = true
				args, _ := json.Marshal(json.RawMessage(part.FunctionCall.Args))
				if len(part.FunctionCall.Args) == 0 {
					args = []byte("{}")
				}
				toolCalls = append(toolCalls, toolCallFinal{
					ID:   fmt.Sprintf("call_%s_%d", id, len(toolCalls)),
					Type: "function",
					Function: functionCallPayload{
						Name:      part.FunctionCall.Name,
						Arguments: string(args),
					},
				})
			case part.Thought:
				reasoning += part.Text
			case part.Text != "":
				text += part.Text
			}
		}
	}

	resp := &ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: createdUnix,
		Model:   model,
		Choices: []chatCompletionChoice{{
			Index: 0,
			Message: chatMessage{
				Role:             "assistant",
				Content:          text,
				ReasoningContent: reasoning,
				ToolCalls:        toolCalls,
			},
			FinishReason: mapFinishReason(finish, sawToolCall),
		}},
	}
	if usage != nil {
		resp.Usage = &usagePayload{
			PromptTokens:     usage.PromptTokens(),
			CompletionTokens: usage.CompletionTokens(),
			TotalTokens:      usage.PromptTokens() + usage.CompletionTokens(),
		}
	}
	return resp
}
