package engineclient

import (
	"encoding/json"
	"strings"
)

// defaultMaxTokens is used whenever a request omits both max_tokens and
// max_completion_tokens (spec §4.2 step 1).
const defaultMaxTokens = 4096

// chatMessage mirrors the subset of an OpenAI-shaped chat message this
// gateway needs to extract textual content from. Content may be a plain
// string or a list of typed parts; non-text parts (images, audio, ...) are
// ignored per spec §4.2.
type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// extractedRequest is the result of inspecting an incoming request body for
// the fields EngineHTTP.EstimateTokens needs.
type extractedRequest struct {
	Messages  []chatMessage // present for chat-shaped requests
	Texts     []string      // present for input:string | input:list[string] requests
	MaxTokens int
}

// parseRequestShape extracts textual content per the request's shape:
// input:string | input:list[string] | messages:list[{role,content:string|list}].
func parseRequestShape(body []byte) extractedRequest {
	var generic struct {
		Input           json.RawMessage `json:"input"`
		Messages        []chatMessage   `json:"messages"`
		MaxTokens       *int            `json:"max_tokens"`
		MaxCompletion   *int            `json:"max_completion_tokens"`
	}
	_ = json.Unmarshal(body, &generic)

	out := extractedRequest{MaxTokens: defaultMaxTokens}
	if generic.MaxTokens != nil {
		out.MaxTokens = *generic.MaxTokens
	} else if generic.MaxCompletion != nil {
		out.MaxTokens = *generic.MaxCompletion
	}

	if len(generic.Messages) > 0 {
		out.Messages = generic.Messages
		return out
	}

	if len(generic.Input) > 0 {
		var asString string
		if err := json.Unmarshal(generic.Input, &asString); err == nil {
			out.Texts = []string{asString}
			return out
		}
		var asList []string
		if err := json.Unmarshal(generic.Input, &asList); err == nil {
			out.Texts = asList
			return out
		}
	}

	return out
}

// messageText extracts the textual content of one message, ignoring
// multi-modal parts except {type:"text"}.
func messageText(m chatMessage) string {
	var asString string
	if err := json.Unmarshal(m.Content, &asString); err == nil {
		return asString
	}

	var parts []contentPart
	if err := json.Unmarshal(m.Content, &parts); err == nil {
		var sb strings.Builder
		for _, p := range parts {
			if p.Type == "text" || p.Type == "" {
				if sb.Len() > 0 {
					sb.WriteString("\n")
				}
				sb.WriteString(p.Text)
			}
		}
		return sb.String()
	}

	return ""
}

// concatText joins every extracted text (messages' content, or input
// strings) into one blob, used both as the /tokenize fallback input and as
// StandaloneTokenizer's stdin.
func (r extractedRequest) concatText() string {
	var sb strings.Builder
	for _, m := range r.Messages {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(messageText(m))
	}
	for _, t := range r.Texts {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(t)
	}
	return sb.String()
}
