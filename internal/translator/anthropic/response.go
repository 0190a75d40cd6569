package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/aistudio-proxy/aistudio-proxy/internal/translator/internaldialect"
)

// blockKind tracks which Anthropic content-block type is currently open for
// a given index, since text/thinking/tool_use blocks each use a distinct
// content_block_start "type" and distinct delta shapes.
type blockKind int

const (
	blockNone blockKind = iota
	blockText
	blockThinking
	blockToolUse
)

// StreamState is the per-request state object carried across a streaming
// Anthropic response's internal chunks.
type StreamState struct {
	ID          string
	Model       string
	started     bool
	openKind    blockKind
	blockIndex  int
	sawToolCall bool
	usage       *internaldialect.UsageMetadata
}

// NewStreamState starts a fresh per-request state object.
func NewStreamState(id, model string) *StreamState {
	return &StreamState{ID: id, Model: model}
}

func sseFrame(event string, payload any) string {
	b, _ := json.Marshal(payload)
	return "event: " + event + "\ndata: " + string(b) + "\n\n"
}

// TranslateChunk consumes one internal-dialect chunk and emits zero or more
// already-framed "event: ...\ndata: ...\n\n" SSE frames.
func (s *StreamState) TranslateChunk(chunk *internaldialect.Chunk) []string {
	var frames []string
	if chunk.UsageMetadata != nil {
		s.usage = chunk.UsageMetadata
	}

	if !s.started {
		s.started = true
		frames = append(frames, sseFrame("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            s.ID,
				"type":          "message",
				"role":          "assistant",
				"model":         s.Model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]int{"input_tokens": 0, "output_tokens": 0},
			},
		}))
	}

	if len(chunk.Candidates) == 0 {
		return frames
	}
	cand := chunk.Candidates[0]

	for _, part := range cand.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			s.sawToolCall = true
			frames = append(frames, s.closeOpenBlock()...)
			frames = append(frames, sseFrame("content_block_start", map[string]any{
				"type":  "content_block_start",
				"index": s.blockIndex,
				"content_block": map[string]any{
					"type":  "tool_use",
					"id":    fmt.Sprintf("toolu_%s_%d", s.ID, s.blockIndex),
					"name":  part.FunctionCall.Name,
					"input": map[string]any{},
				},
			}))
			s.openKind = blockToolUse
			args := part.FunctionCall.Args
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			frames = append(frames, sseFrame("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": s.blockIndex,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": string(args)},
			}))
			frames = append(frames, s.closeOpenBlock()...)

		case part.Thought:
			if s.openKind != blockThinking {
				frames = append(frames, s.closeOpenBlock()...)
				frames = append(frames, sseFrame("content_block_start", map[string]any{
					"type": "content_block_start", "index": s.blockIndex,
					"content_block": map[string]any{"type": "thinking", "thinking": ""},
				}))
				s.openKind = blockThinking
			}
			frames = append(frames, sseFrame("content_block_delta", map[string]any{
				"type": "content_block_delta", "index": s.blockIndex,
				"delta": map[string]any{"type": "thinking_delta", "thinking": part.Text},
			}))

		case part.Text != "":
			if s.openKind != blockText {
				frames = append(frames, s.closeOpenBlock()...)
				frames = append(frames, sseFrame("content_block_start", map[string]any{
					"type": "content_block_start", "index": s.blockIndex,
					"content_block": map[string]any{"type": "text", "text": ""},
				}))
				s.openKind = blockText
			}
			frames = append(frames, sseFrame("content_block_delta", map[string]any{
				"type": "content_block_delta", "index": s.blockIndex,
				"delta": map[string]any{"type": "text_delta", "text": part.Text},
			}))
		}
	}

	if cand.FinishReason != "" {
		frames = append(frames, s.closeOpenBlock()...)
		usage := map[string]int{"output_tokens": 0}
		if s.usage != nil {
			usage["output_tokens"] = s.usage.CompletionTokens()
		}
		frames = append(frames, sseFrame("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": mapStopReason(cand.FinishReason, s.sawToolCall), "stop_sequence": nil},
			"usage": usage,
		}))
		frames = append(frames, sseFrame("message_stop", map[string]any{"type": "message_stop"}))
	}
	return frames
}

func (s *StreamState) closeOpenBlock() []string {
	if s.openKind == blockNone {
		return nil
	}
	frame := sseFrame("content_block_stop", map[string]any{"type": "content_block_stop", "index": s.blockIndex})
	s.openKind = blockNone
	s.blockIndex++
	return []string{frame}
}

func mapStopReason(fr internaldialect.FinishReason, sawToolCall bool) string {
	if sawToolCall {
		return "tool_use"
	}
	switch fr {
	case internaldialect.FinishMaxTokens:
		return "max_tokens"
	case internaldialect.FinishSafety:
		return "end_turn"
	default:
		return "end_turn"
	}
}

// MessagesResponse is the non-streaming Anthropic /v1/messages response
// body.
type MessagesResponse struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Role       string          `json:"role"`
	Model      string          `json:"model"`
	Content    []responseBlock `json:"content"`
	StopReason string          `json:"stop_reason"`
	Usage      anthropicUsage  `json:"usage"`
}

type responseBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AssembleResponse aggregates a full sequence of internal chunks into a
// single Anthropic response body.
func AssembleResponse(id, model string, chunks []*internaldialect.Chunk) *MessagesResponse {
	var blocks []responseBlock
	var curText, curThinking string
	var finish internaldialect.FinishReason
	var usage *internaldialect.UsageMetadata
	sawToolCall := false

	flushText := func() {
		if curText != "" {
			blocks = append(blocks, responseBlock{Type: "text", Text: curText})
			curText = ""
		}
	}
	flushThinking := func() {
		if curThinking != "" {
			blocks = append(blocks, responseBlock{Type: "thinking", Thinking: curThinking})
			curThinking = ""
		}
	}

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
				flushText()
				flushThinking()
				args := part.FunctionCall.Args
				if len(args) == 0 {
					args = json.RawMessage("{}")
				}
				blocks = append(blocks, responseBlock{
					Type: "tool_use", ID: fmt.Sprintf("toolu_%s_%d", id, len(blocks)),
					Name: part.FunctionCall.Name, Input: args,
				})
			case part.Thought:
				flushText()
				curThinking += part.Text
			case part.Text != "":
				flushThinking()
				curText += part.Text
			}
		}
	}
	flushThinking()
	flushText()

	resp := &MessagesResponse{
		ID: id, Type: "message", Role: "assistant", Model: model,
		Content:    blocks,
		StopReason: mapStopReason(finish, sawToolCall),
	}
	if usage != nil {
		resp.Usage = anthropicUsage{InputTokens: usage.PromptTokens(), OutputTokens: usage.CompletionTokens()}
	}
	return resp
}
