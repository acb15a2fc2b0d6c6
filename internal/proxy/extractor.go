package proxy

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrInvalidJSON is returned when a body that should be JSON is not.
var ErrInvalidJSON = errors.New("invalid JSON body")

// RequestInfo holds what the pre-flight check needs from an LLM API request.
type RequestInfo struct {
	Provider        string
	Model           string
	Prompt          string // concatenated text content, for token counting
	MaxOutputTokens int64
	User            string // caller-supplied end user, if the API carries one
}

// ResponseUsage holds token usage reported by an LLM API response.
// InputTokens excludes CachedInputTokens.
type ResponseUsage struct {
	Model             string
	InputTokens       int64
	CachedInputTokens int64
	OutputTokens      int64
}

// DetectProvider determines the provider from the request URL or path.
func DetectProvider(host, path string) string {
	host = strings.ToLower(host)
	path = strings.ToLower(path)

	switch {
	case strings.Contains(host, "openai.com") || strings.HasPrefix(path, "/v1/chat/completions"):
		return "openai"
	case strings.Contains(host, "anthropic.com") || strings.HasPrefix(path, "/v1/messages"):
		return "anthropic"
	default:
		return ""
	}
}

// ExtractRequestInfo pulls the model, prompt text and output cap from a
// request body. It returns nil for providers it does not understand.
func ExtractRequestInfo(body []byte, provider string) (*RequestInfo, error) {
	if provider != "openai" && provider != "anthropic" {
		return nil, nil
	}
	if !gjson.ValidBytes(body) {
		return nil, ErrInvalidJSON
	}

	root := gjson.ParseBytes(body)
	info := &RequestInfo{
		Provider: provider,
		Model:    root.Get("model").String(),
	}

	var prompt strings.Builder
	switch provider {
	case "openai":
		info.MaxOutputTokens = root.Get("max_completion_tokens").Int()
		if info.MaxOutputTokens == 0 {
			info.MaxOutputTokens = root.Get("max_tokens").Int()
		}
		info.User = root.Get("user").String()
	case "anthropic":
		appendContent(&prompt, root.Get("system"))
		info.MaxOutputTokens = root.Get("max_tokens").Int()
		info.User = root.Get("metadata.user_id").String()
	}

	root.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		appendContent(&prompt, msg.Get("content"))
		return true
	})
	info.Prompt = prompt.String()

	return info, nil
}

// appendContent handles both plain string content and arrays of content parts.
func appendContent(b *strings.Builder, content gjson.Result) {
	switch {
	case !content.Exists():
	case content.IsArray():
		content.ForEach(func(_, part gjson.Result) bool {
			if text := part.Get("text"); text.Exists() {
				b.WriteString(text.String())
				b.WriteString("\n")
			}
			return true
		})
	default:
		b.WriteString(content.String())
		b.WriteString("\n")
	}
}

// ExtractResponseUsage reads token usage from a response body. It returns
// nil when the provider is unknown or the body carries no usage block.
func ExtractResponseUsage(body []byte, provider string) (*ResponseUsage, error) {
	if provider != "openai" && provider != "anthropic" {
		return nil, nil
	}
	if !gjson.ValidBytes(body) {
		return nil, ErrInvalidJSON
	}

	root := gjson.ParseBytes(body)
	usage := root.Get("usage")
	if !usage.Exists() {
		return nil, nil
	}

	out := &ResponseUsage{Model: root.Get("model").String()}
	switch provider {
	case "openai":
		// prompt_tokens includes cached tokens.
		out.CachedInputTokens = usage.Get("prompt_tokens_details.cached_tokens").Int()
		out.InputTokens = max(usage.Get("prompt_tokens").Int()-out.CachedInputTokens, 0)
		out.OutputTokens = usage.Get("completion_tokens").Int()
	case "anthropic":
		out.InputTokens = usage.Get("input_tokens").Int()
		out.CachedInputTokens = usage.Get("cache_read_input_tokens").Int()
		out.OutputTokens = usage.Get("output_tokens").Int()
	}
	return out, nil
}
