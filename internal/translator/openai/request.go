// Package openai translates between the OpenAI chat-completions wire format
// and the internal Gemini-shaped dialect.
package openai

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aistudio-proxy/aistudio-proxy/internal/apperr"
	"github.com/aistudio-proxy/aistudio-proxy/internal/config"
	"github.com/aistudio-proxy/aistudio-proxy/internal/translator/internaldialect"
	"github.com/aistudio-proxy/aistudio-proxy/internal/translator/schema"
)

// ChatMessage is one inbound OpenAI chat message. Content may be a plain
// string or an array of parts, so it is kept as json.RawMessage and decoded
// on demand.
type ChatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
}

type ToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

// Tool is one OpenAI-shaped tool declaration.
type Tool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

// ChatCompletionRequest is the inbound OpenAI request body.
type ChatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []ChatMessage   `json:"messages"`
	Stream         bool            `json:"stream"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	Stop           json.RawMessage `json:"stop,omitempty"`
	Tools          []Tool          `json:"tools,omitempty"`
	ToolChoice     json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat json.RawMessage `json:"response_format,omitempty"`
	ReasoningEffort string         `json:"reasoning_effort,omitempty"`
}

// Translated is the result of translating one request: the cleaned model
// name (thinking/search suffixes stripped) plus the internal request body.
type Translated struct {
	CleanModel string
	Internal   *internaldialect.GenerateRequest
	Stream     bool
}

// httpFetchTimeout bounds how long an inline image_url fetch may take before
// falling back to passing the URL through as plain text.
const httpFetchTimeout = 10 * time.Second

// TranslateRequest converts an OpenAI chat-completions request into the
// internal dialect. features applies the server-side forced toggles
// (thinking/web-search/url-context) regardless of what the client asked for.
func TranslateRequest(req *ChatCompletionRequest, features config.FeatureToggles) (*Translated, error) {
	if len(req.Messages) == 0 {
		return nil, apperr.New(apperr.KindInvalidInput, "messages must not be empty")
	}

	cleanModel, wantSearch, wantURLContext := parseModelSuffixes(req.Model)
	cleanModel, suffixLevel, hasSuffixLevel := internaldialect.ParseThinkingSuffix(cleanModel)

	var system *internaldialect.Content
	var contents []internaldialect.Content

	// Tool messages only carry a tool_call_id; resolve each back to its
	// function name via the assistant turn that issued the call, since the
	// internal dialect's functionResponse needs the name, not the id.
	callNameByID := map[string]string{}
	for _, m := range req.Messages {
		for _, tc := range m.ToolCalls {
			callNameByID[tc.ID] = tc.Function.Name
		}
	}

	var pendingToolParts []internaldialect.Part
	flushPendingTools := func() {
		if len(pendingToolParts) == 0 {
			return
		}
		contents = append(contents, internaldialect.Content{
			Role:  internaldialect.RoleUser,
			Parts: pendingToolParts,
		})
		pendingToolParts = nil
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			text, err := flattenTextContent(m.Content)
			if err != nil {
				return nil, err
			}
			if system == nil {
				system = &internaldialect.Content{Role: internaldialect.RoleUser}
			}
			system.Parts = append(system.Parts, internaldialect.Part{Text: text})

		case "tool":
			name := callNameByID[m.ToolCallID]
			if name == "" {
				name = m.ToolCallID
			}
			text, _ := flattenTextContent(m.Content)
			respJSON, err := json.Marshal(map[string]string{"result": text})
			if err != nil {
				return nil, apperr.Wrap(apperr.KindInvalidInput, err, "encode tool response")
			}
			pendingToolParts = append(pendingToolParts, internaldialect.Part{
				FunctionResponse: &internaldialect.FunctionResponse{Name: name, Response: respJSON},
			})

		case "assistant":
			flushPendingTools()
			parts, err := partsFromContent(m.Content)
			if err != nil {
				return nil, err
			}
			first := true
			for _, tc := range m.ToolCalls {
				p := internaldialect.Part{
					FunctionCall: &internaldialect.FunctionCall{
						Name: tc.Function.Name,
						Args: json.RawMessage(orEmptyObject(tc.Function.Arguments)),
					},
				}
				if first {
					// The upstream engine requires the first functionCall part
					// of a turn to carry a thought signature placeholder when
					// the turn is replayed back to it without having produced
					// one itself (a turn reconstructed from client history).
					p.ThoughtSignature = "restored-from-history"
					first = false
				}
				parts = append(parts, p)
			}
			contents = append(contents, internaldialect.Content{Role: internaldialect.RoleModel, Parts: parts})

		default: // "user"
			flushPendingTools()
			parts, err := partsFromContent(m.Content)
			if err != nil {
				return nil, err
			}
			contents = append(contents, internaldialect.Content{Role: internaldialect.RoleUser, Parts: parts})
		}
	}
	flushPendingTools()

	genCfg := &internaldialect.GenerationConfig{
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		MaxOutputTokens: req.MaxTokens,
	}
	if stops, ok := decodeStop(req.Stop); ok {
		genCfg.StopSequences = stops
	}
	// A model-name thinking-level suffix always wins over reasoning_effort,
	// which in turn wins over the global force-thinking toggle (that toggle
	// only applies when nothing else requested a level).
	switch {
	case hasSuffixLevel:
		genCfg.ThinkingConfig = &internaldialect.ThinkingConfig{IncludeThoughts: true, ThinkingLevel: suffixLevel}
	case req.ReasoningEffort != "":
		genCfg.ThinkingConfig = &internaldialect.ThinkingConfig{IncludeThoughts: true, ThinkingLevel: reasoningLevel(req.ReasoningEffort)}
	case features.ForceThinking:
		genCfg.ThinkingConfig = &internaldialect.ThinkingConfig{IncludeThoughts: true, ThinkingLevel: "MEDIUM"}
	}
	if len(req.ResponseFormat) > 0 {
		applyResponseFormat(genCfg, req.ResponseFormat)
	}

	var tools []internaldialect.Tool
	if len(req.Tools) > 0 {
		decl := make([]internaldialect.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			params := t.Function.Parameters
			if len(params) > 0 {
				params = schema.Sanitize(params)
			}
			decl = append(decl, internaldialect.FunctionDeclaration{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  params,
			})
		}
		tools = append(tools, internaldialect.Tool{FunctionDeclarations: decl})
	}
	if features.ForceWebSearch || wantSearch {
		tools = append(tools, internaldialect.Tool{GoogleSearch: &struct{}{}})
	}
	if features.ForceURLContext || wantURLContext {
		tools = append(tools, internaldialect.Tool{URLContext: &struct{}{}})
	}

	var toolConfig *internaldialect.ToolConfig
	if mode, names, ok := decodeToolChoice(req.ToolChoice); ok {
		toolConfig = &internaldialect.ToolConfig{
			FunctionCallingConfig: &internaldialect.FunctionCallingConfig{Mode: mode, AllowedFunctionNames: names},
		}
	}

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

// parseModelSuffixes strips the proxy's own model-name suffixes ("-search",
// "-urlcontext", composable and in any order) and reports which toggles they
// requested. These are independent of the spec's thinking-level suffix
// grammar, which internaldialect.ParseThinkingSuffix handles separately.
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

func reasoningLevel(effort string) string {
	switch effort {
	case "low", "medium", "high":
		return strings.ToUpper(effort)
	default:
		return "MEDIUM"
	}
}

// flattenTextContent decodes an OpenAI content field (string or part array)
// into plain text, concatenating any text parts and ignoring images.
func flattenTextContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", apperr.Wrap(apperr.KindInvalidInput, err, "decode message content")
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String(), nil
}

// partsFromContent decodes an OpenAI content field into internal-dialect
// parts, inlining image_url entries as base64 blobs (fetching remote URLs,
// falling back to passing the URL through as text if the fetch fails).
func partsFromContent(raw json.RawMessage) ([]internaldialect.Part, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, nil
		}
		return []internaldialect.Part{{Text: s}}, nil
	}

	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidInput, err, "decode message content")
	}

	out := make([]internaldialect.Part, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text":
			out = append(out, internaldialect.Part{Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			blob, err := inlineImage(p.ImageURL.URL)
			if err != nil {
				out = append(out, internaldialect.Part{Text: p.ImageURL.URL})
				continue
			}
			out = append(out, internaldialect.Part{InlineData: blob})
		}
	}
	return out, nil
}

// inlineImage resolves an image_url entry to an inline blob. Data URLs are
// decoded directly; http(s) URLs are fetched with a bounded timeout.
func inlineImage(url string) (*internaldialect.Blob, error) {
	if strings.HasPrefix(url, "data:") {
		comma := strings.IndexByte(url, ',')
		if comma < 0 {
			return nil, apperr.New(apperr.KindInvalidInput, "malformed data URL")
		}
		header := url[5:comma]
		mime := strings.TrimSuffix(header, ";base64")
		data, err := base64.StdEncoding.DecodeString(url[comma+1:])
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInvalidInput, err, "decode data URL")
		}
		return &internaldialect.Blob{MIMEType: mime, Data: data}, nil
	}

	client := &http.Client{Timeout: httpFetchTimeout}
	resp, err := client.Get(url)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnreachable, err, "fetch image url")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.KindUnreachable, "image fetch status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnreachable, err, "read image body")
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "application/octet-stream"
	}
	return &internaldialect.Blob{MIMEType: mime, Data: data}, nil
}

func decodeStop(raw json.RawMessage) ([]string, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}, true
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, true
	}
	return nil, false
}

// applyResponseFormat maps OpenAI's response_format into the internal
// dialect's responseMimeType/responseSchema, sanitizing any json_schema
// payload.
func applyResponseFormat(cfg *internaldialect.GenerationConfig, raw json.RawMessage) {
	var rf struct {
		Type       string `json:"type"`
		JSONSchema *struct {
			Schema json.RawMessage `json:"schema"`
		} `json:"json_schema"`
	}
	if err := json.Unmarshal(raw, &rf); err != nil {
		return
	}
	switch rf.Type {
	case "json_object":
		cfg.ResponseMIMEType = "application/json"
	case "json_schema":
		cfg.ResponseMIMEType = "application/json"
		if rf.JSONSchema != nil && len(rf.JSONSchema.Schema) > 0 {
			cfg.ResponseSchema = schema.Sanitize(rf.JSONSchema.Schema)
		}
	}
}

// decodeToolChoice maps OpenAI's tool_choice ("auto"/"none"/"required" or
// {"type":"function","function":{"name":...}}) to the internal dialect's
// functionCallingConfig.
func decodeToolChoice(raw json.RawMessage) (internaldialect.ToolConfigMode, []string, bool) {
	if len(raw) == 0 {
		return "", nil, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "none":
			return internaldialect.ToolModeNone, nil, true
		case "required":
			return internaldialect.ToolModeAny, nil, true
		default:
			return internaldialect.ToolModeAuto, nil, true
		}
	}
	var obj struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Type == "function" && obj.Function.Name != "" {
		return internaldialect.ToolModeAny, []string{obj.Function.Name}, true
	}
	return "", nil, false
}

// orEmptyObject returns "{}" for an empty/whitespace arguments string, since
// json.RawMessage must hold valid JSON.
func orEmptyObject(s string) string {
	if strings.TrimSpace(s) == "" {
		return "{}"
	}
	return s
}
