// Package anthropic translates between the Anthropic messages wire format
// and the internal Gemini-shaped dialect.
package anthropic

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/aistudio-proxy/aistudio-proxy/internal/apperr"
	"github.com/aistudio-proxy/aistudio-proxy/internal/config"
	"github.com/aistudio-proxy/aistudio-proxy/internal/translator/internaldialect"
	"github.com/aistudio-proxy/aistudio-proxy/internal/translator/schema"
)

// ContentBlock is one element of an Anthropic message's content array.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	Source *struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type"`
		Data      string `json:"data"`
		URL       string `json:"url"`
	} `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Message is one Anthropic-shaped conversation turn. Content may be a plain
// string or a block array.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Tool is one Anthropic-shaped tool declaration.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ThinkingOption is Anthropic's thinking.{type,budget_tokens} block.
type ThinkingOption struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// MessagesRequest is the inbound Anthropic /v1/messages request body.
type MessagesRequest struct {
	Model       string          `json:"model"`
	System      json.RawMessage `json:"system,omitempty"`
	Messages    []Message       `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	StopSeqs    []string        `json:"stop_sequences,omitempty"`
	Stream      bool            `json:"stream"`
	Tools       []Tool          `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
	Thinking    *ThinkingOption `json:"thinking,omitempty"`
}

// Translated is the result of translating one request.
type Translated struct {
	CleanModel string
	Internal   *internaldialect.GenerateRequest
	Stream     bool
}

// TranslateRequest converts an Anthropic messages request into the internal
// dialect.
func TranslateRequest(req *MessagesRequest, features config.FeatureToggles) (*Translated, error) {
	if len(req.Messages) == 0 {
		return nil, apperr.New(apperr.KindInvalidInput, "messages must not be empty")
	}

	cleanModel, wantSearch, wantURLContext := parseModelSuffixes(req.Model)
	cleanModel, suffixLevel, hasSuffixLevel := internaldialect.ParseThinkingSuffix(cleanModel)

	// tool_use_id -> name, pre-scanned across the whole dialogue, so a
	// tool_result block (which carries only the id) can recover the name the
	// internal dialect's functionResponse needs.
	nameByToolUseID := map[string]string{}
	for _, m := range req.Messages {
		blocks, _ := decodeBlocks(m.Content)
		for _, b := range blocks {
			if b.Type == "tool_use" {
				nameByToolUseID[b.ID] = b.Name
			}
		}
	}

	var contents []internaldialect.Content
	var pendingToolResults []internaldialect.Part
	flushToolResults := func() {
		if len(pendingToolResults) == 0 {
			return
		}
		contents = append(contents, internaldialect.Content{Role: internaldialect.RoleUser, Parts: pendingToolResults})
		pendingToolResults = nil
	}

	for _, m := range req.Messages {
		blocks, err := decodeBlocks(m.Content)
		if err != nil {
			return nil, err
		}

		role := internaldialect.RoleUser
		if m.Role == "assistant" {
			role = internaldialect.RoleModel
		}

		// A user message whose blocks are entirely tool_result entries
		// coalesces with any already-pending tool results instead of
		// starting a new turn.
		allToolResults := len(blocks) > 0
		for _, b := range blocks {
			if b.Type != "tool_result" {
				allToolResults = false
				break
			}
		}
		if role == internaldialect.RoleUser && allToolResults {
			for _, b := range blocks {
				text := flattenToolResultText(b.Content)
				name := nameByToolUseID[b.ToolUseID]
				if name == "" {
					name = b.ToolUseID
				}
				respJSON, merr := json.Marshal(map[string]string{"result": text})
				if merr != nil {
					return nil, apperr.Wrap(apperr.KindInvalidInput, merr, "encode tool result")
				}
				pendingToolResults = append(pendingToolResults, internaldialect.Part{
					FunctionResponse: &internaldialect.FunctionResponse{Name: name, Response: respJSON},
				})
			}
			continue
		}

		flushToolResults()

		parts := make([]internaldialect.Part, 0, len(blocks))
		first := true
		for _, b := range blocks {
			switch b.Type {
			case "text":
				parts = append(parts, internaldialect.Part{Text: b.Text})
			case "image":
				blob, berr := decodeImageSource(b.Source)
				if berr != nil {
					parts = append(parts, internaldialect.Part{Text: "[unavailable image]"})
					continue
				}
				parts = append(parts, internaldialect.Part{InlineData: blob})
			case "tool_use":
				p := internaldialect.Part{FunctionCall: &internaldialect.FunctionCall{Name: b.Name, Args: orRawEmptyObject(b.Input)}}
				if first {
					p.ThoughtSignature = "restored-from-history"
					first = false
				}
				parts = append(parts, p)
			}
		}
		contents = append(contents, internaldialect.Content{Role: role, Parts: parts})
	}
	flushToolResults()

	var system *internaldialect.Content
	if sysText, ok := decodeSystem(req.System); ok && sysText != "" {
		system = &internaldialect.Content{Role: internaldialect.RoleUser, Parts: []internaldialect.Part{{Text: sysText}}}
	}

	genCfg := &internaldialect.GenerationConfig{
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		StopSequences:   req.StopSeqs,
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		genCfg.MaxOutputTokens = &mt
	}
	// A model-name thinking-level suffix always wins over thinking.enabled,
	// which in turn wins over the global force-thinking toggle (that toggle
	// only applies when nothing else requested a level).
	thinkingEnabled := req.Thinking != nil && req.Thinking.Type == "enabled"
	switch {
	case hasSuffixLevel:
		genCfg.ThinkingConfig = &internaldialect.ThinkingConfig{IncludeThoughts: true, ThinkingLevel: suffixLevel}
	case thinkingEnabled:
		genCfg.ThinkingConfig = &internaldialect.ThinkingConfig{IncludeThoughts: true, ThinkingLevel: "MEDIUM"}
	case features.ForceThinking:
		genCfg.ThinkingConfig = &internaldialect.ThinkingConfig{IncludeThoughts: true, ThinkingLevel: "MEDIUM"}
	}

	var tools []internaldialect.Tool
	if len(req.Tools) > 0 {
		decl := make([]internaldialect.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			params := t.InputSchema
			if len(params) > 0 {
				params = schema.Sanitize(params)
			}
			decl = append(decl, internaldialect.FunctionDeclaration{Name: t.Name, Description: t.Description, Parameters: params})
		}
		tools = append(tools, internaldialect.Tool{FunctionDeclarations: decl})
	}
	if features.ForceWebSearch || wantSearch {
		tools = append(tools, internaldialect.Tool{GoogleSearch: &struct{}{}})
	}
	if features.ForceURLContext || wantURLContext {
		tools = append(tools, internaldialect.Tool{URLContext: &struct{}{}})
	}

	toolConfig := decodeToolChoice(req.ToolChoice)

	internal := &internaldialect.GenerateRequest{
		Contents:          contents,
		SystemInstruction: system,
		Tools:             tools,
		ToolConfig:        toolConfig,
		GenerationConfig:  genCfg,
		SafetySettings:    internaldialect.AllSafetySettingsOff(),
	}
	return &Translated{CleanModel: cleanModel, Internal: internal, Stream: req.Stream}, nil
}

// parseModelSuffixes strips the proxy's own "-search"/"-urlcontext" suffixes.
// The spec's thinking-level suffix grammar is handled separately by
// internaldialect.ParseThinkingSuffix.
func parseModelSuffixes(model string) (clean string, search, urlContext bool) {
	clean = model
	suffixes := map[string]*bool{
		"-search":     &search,
		"-urlcontext": &urlContext,
	}
	changed := true
	for changed {
		changed = false
		for suf, flag := range suffixes {
			if strings.HasSuffix(clean, suf) {
				*flag = true
				clean = strings.TrimSuffix(clean, suf)
				changed = true
			}
		}
	}
	return clean, search, urlContext
}

func decodeBlocks(raw json.RawMessage) ([]ContentBlock, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, nil
		}
		return []ContentBlock{{Type: "text", Text: s}}, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidInput, err, "decode message content")
	}
	return blocks, nil
}

func decodeSystem(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	blocks, err := decodeBlocks(raw)
	if err != nil {
		return "", false
	}
	var b strings.Builder
	for _, blk := range blocks {
		if blk.Type == "text" {
			b.WriteString(blk.Text)
		}
	}
	return b.String(), true
}

func flattenToolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	blocks, err := decodeBlocks(raw)
	if err != nil {
		return string(raw)
	}
	var b strings.Builder
	for _, blk := range blocks {
		if blk.Type == "text" {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

func decodeImageSource(src *struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
	URL       string `json:"url"`
}) (*internaldialect.Blob, error) {
	if src == nil {
		return nil, apperr.New(apperr.KindInvalidInput, "missing image source")
	}
	if src.Type == "url" {
		return nil, apperr.New(apperr.KindUnreachable, "remote image fetch not inlined for Anthropic url source")
	}
	data, err := base64.StdEncoding.DecodeString(src.Data)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidInput, err, "decode base64 image")
	}
	return &internaldialect.Blob{MIMEType: src.MediaType, Data: data}, nil
}

func decodeToolChoice(raw json.RawMessage) *internaldialect.ToolConfig {
	if len(raw) == 0 {
		return nil
	}
	var obj struct {
		Type string `json:"type"`
		Name string `json:"name,omitempty"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	switch obj.Type {
	case "auto":
		return &internaldialect.ToolConfig{FunctionCallingConfig: &internaldialect.FunctionCallingConfig{Mode: internaldialect.ToolModeAuto}}
	case "any":
		return &internaldialect.ToolConfig{FunctionCallingConfig: &internaldialect.FunctionCallingConfig{Mode: internaldialect.ToolModeAny}}
	case "tool":
		return &internaldialect.ToolConfig{FunctionCallingConfig: &internaldialect.FunctionCallingConfig{
			Mode: internaldialect.ToolModeAny, AllowedFunctionNames: []string{obj.Name},
		}}
	case "none":
		return &internaldialect.ToolConfig{FunctionCallingConfig: &internaldialect.FunctionCallingConfig{Mode: internaldialect.ToolModeNone}}
	default:
		return nil
	}
}

func orRawEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}
