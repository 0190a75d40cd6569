// Package internaldialect defines the single internal request/response shape
// every public dialect translates to and from: a trimmed-down mirror of the
// Gemini generate-content wire format, since the internal AI Studio surface
// this proxy drives speaks that dialect natively.
package internaldialect

import "encoding/json"

// Role is the internal dialect's turn role. Only "user" and "model" appear;
// OpenAI's "system"/"tool" and Anthropic's "assistant" fold into one of the
// two at translation time.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Part is one piece of a Content turn. Exactly one of the payload fields is
// set; which one determines the part's kind.
type Part struct {
	Text             string              `json:"text,omitempty"`
	Thought          bool                `json:"thought,omitempty"`
	ThoughtSignature string              `json:"thoughtSignature,omitempty"`
	InlineData       *Blob               `json:"inlineData,omitempty"`
	FunctionCall     *FunctionCall       `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse   `json:"functionResponse,omitempty"`
}

// Blob is inline binary content, base64-encoded the way encoding/json
// marshals a []byte field automatically.
type Blob struct {
	MIMEType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

// FunctionCall is one assistant tool invocation.
type FunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// FunctionResponse is the result of one tool invocation, fed back as a user
// turn.
type FunctionResponse struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

// Content is one turn of the dialogue.
type Content struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// FunctionDeclaration is one tool/function exposed to the model, with its
// JSON-schema parameters already sanitized for the upstream engine.
type FunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Tool bundles function declarations, or one of the built-in tool toggles.
type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
	GoogleSearch         *struct{}             `json:"googleSearch,omitempty"`
	URLContext           *struct{}             `json:"urlContext,omitempty"`
}

// ToolConfigMode mirrors Gemini's functionCallingConfig.mode.
type ToolConfigMode string

const (
	ToolModeAuto ToolConfigMode = "AUTO"
	ToolModeNone ToolConfigMode = "NONE"
	ToolModeAny  ToolConfigMode = "ANY"
)

// ToolConfig is the internal dialect's tool-choice control.
type ToolConfig struct {
	FunctionCallingConfig *FunctionCallingConfig `json:"functionCallingConfig,omitempty"`
}

type FunctionCallingConfig struct {
	Mode                 ToolConfigMode `json:"mode"`
	AllowedFunctionNames []string       `json:"allowedFunctionNames,omitempty"`
}

// ThinkingConfig controls whether/how much reasoning the model emits.
type ThinkingConfig struct {
	IncludeThoughts bool   `json:"includeThoughts,omitempty"`
	ThinkingLevel   string `json:"thinkingLevel,omitempty"`
}

// GenerationConfig is the internal dialect's sampling/output configuration.
type GenerationConfig struct {
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"topP,omitempty"`
	TopK             *float64        `json:"topK,omitempty"`
	MaxOutputTokens  *int            `json:"maxOutputTokens,omitempty"`
	StopSequences    []string        `json:"stopSequences,omitempty"`
	ResponseMIMEType string          `json:"responseMimeType,omitempty"`
	ResponseSchema   json.RawMessage `json:"responseSchema,omitempty"`
	ThinkingConfig   *ThinkingConfig `json:"thinkingConfig,omitempty"`
}

// HarmCategory/BlockThreshold mirror Gemini's safety-setting vocabulary.
const (
	CategoryHarassment      = "HARM_CATEGORY_HARASSMENT"
	CategoryHateSpeech      = "HARM_CATEGORY_HATE_SPEECH"
	CategorySexual          = "HARM_CATEGORY_SEXUALLY_EXPLICIT"
	CategoryDangerous       = "HARM_CATEGORY_DANGEROUS_CONTENT"
	ThresholdBlockNone      = "BLOCK_NONE"
)

type SafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// AllSafetySettingsOff returns the four harm categories all set to
// BLOCK_NONE, the fixed safety posture every translated request carries.
func AllSafetySettingsOff() []SafetySetting {
	return []SafetySetting{
		{Category: CategoryHarassment, Threshold: ThresholdBlockNone},
		{Category: CategoryHateSpeech, Threshold: ThresholdBlockNone},
		{Category: CategorySexual, Threshold: ThresholdBlockNone},
		{Category: CategoryDangerous, Threshold: ThresholdBlockNone},
	}
}

// GenerateRequest is the internal dialect's full request body.
type GenerateRequest struct {
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	Tools             []Tool            `json:"tools,omitempty"`
	ToolConfig        *ToolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	SafetySettings    []SafetySetting   `json:"safetySettings,omitempty"`
}

// FinishReason mirrors Gemini's candidate finishReason vocabulary.
type FinishReason string

const (
	FinishStop        FinishReason = "STOP"
	FinishMaxTokens    FinishReason = "MAX_TOKENS"
	FinishSafety       FinishReason = "SAFETY"
	FinishToolCall     FinishReason = "TOOL_CALL" // synthetic: this proxy's own marker, not upstream's
)

// UsageMetadata is the internal dialect's token accounting.
type UsageMetadata struct {
	PromptTokenCount          int `json:"promptTokenCount"`
	ToolUsePromptTokenCount   int `json:"toolUsePromptTokenCount"`
	CandidatesTokenCount      int `json:"candidatesTokenCount"`
	ThoughtsTokenCount        int `json:"thoughtsTokenCount"`
}

// PromptTokens/CompletionTokens apply the spec's combination rule.
func (u UsageMetadata) PromptTokens() int {
	return u.PromptTokenCount + u.ToolUsePromptTokenCount
}

func (u UsageMetadata) CompletionTokens() int {
	return u.CandidatesTokenCount + u.ThoughtsTokenCount
}

// Candidate is one streamed or assembled response candidate.
type Candidate struct {
	Content      Content      `json:"content"`
	FinishReason FinishReason `json:"finishReason,omitempty"`
	Index        int          `json:"index"`
}

// Chunk is one internal-dialect streamed response fragment.
type Chunk struct {
	Candidates    []Candidate    `json:"candidates"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}
