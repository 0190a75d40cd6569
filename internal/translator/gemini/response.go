package gemini

import (
	"encoding/json"

	"github.com/aistudio-proxy/aistudio-proxy/internal/translator/internaldialect"
)

// StreamState tracks nothing beyond what the internal dialect already
// carries: Gemini's own streamGenerateContent SSE framing is "data: <chunk
// JSON>\n\n" per chunk, with no separate role/usage bookkeeping needed.
type StreamState struct{}

// NewStreamState exists for symmetry with the other dialects' translators.
func NewStreamState() *StreamState { return &StreamState{} }

// TranslateChunk re-frames one internal chunk as a Gemini SSE data line.
// Gemini's public wire format is the internal dialect's own shape, so no
// field remapping is needed.
func (s *StreamState) TranslateChunk(chunk *internaldialect.Chunk) []string {
	b, _ := json.Marshal(chunk)
	return []string{"data: " + string(b) + "\n\n"}
}

// Response is the non-streaming :generateContent response body.
type Response struct {
	Candidates    []internaldialect.Candidate     `json:"candidates"`
	UsageMetadata *internaldialect.UsageMetadata  `json:"usageMetadata,omitempty"`
}

// AssembleResponse concatenates a sequence of internal chunks' parts of the
// same kind (text/thought) within candidate 0 into one response, matching
// the non-streaming assembly contract shared with the other dialects.
func AssembleResponse(chunks []*internaldialect.Chunk) *Response {
	var parts []internaldialect.Part
	var finish internaldialect.FinishReason
	var usage *internaldialect.UsageMetadata
	var curText, curThought string

	flush := func() {
		if curText != "" {
			parts = append(parts, internaldialect.Part{Text: curText})
			curText = ""
		}
		if curThought != "" {
			parts = append(parts, internaldialect.Part{Thought: true, Text: curThought})
			curThought = ""
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
		for _, p := range cand.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				flush()
				parts = append(parts, p)
			case p.Thought:
				curThought += p.Text
			case p.Text != "":
				curText += p.Text
			}
		}
	}
	flush()

	return &Response{
		Candidates: []internaldialect.Candidate{{
			Content:      internaldialect.Content{Role: internaldialect.RoleModel, Parts: parts},
			FinishReason: finish,
			Index:        0,
		}},
		UsageMetadata: usage,
	}
}
