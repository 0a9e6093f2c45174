package llms

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/langadventurellc/burnside-sub006/pkg/protocol"
)

const (
	tokensPerMessage  = 10
	tokensPerImage    = 765
	tokensPerDocument = 500
	tokensCodeExtra   = 20

	// defaultEstimateCap bounds the estimate when the model carries no
	// context length.
	defaultEstimateCap = 4000
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// textTokens counts tokens for a text fragment. cl100k_base is used when
// available; the len/4 heuristic covers environments without the
// encoding data.
func textTokens(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})

	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

// EstimateTokenUsage is the shared token estimator: a per-message base
// cost plus per-part costs, capped against the model's remaining context
// window.
func EstimateTokenUsage(messages []protocol.Message, caps *ModelCapabilities, promptTokens, conversationTokens int) int {
	total := 0
	for _, msg := range messages {
		total += tokensPerMessage
		for _, part := range msg.Content {
			switch part.Type {
			case protocol.ContentPartTypeText:
				total += textTokens(part.Text)
			case protocol.ContentPartTypeImage:
				total += tokensPerImage
			case protocol.ContentPartTypeDocument:
				total += tokensPerDocument
			case protocol.ContentPartTypeCode:
				total += textTokens(part.Text) + tokensCodeExtra
			case protocol.ContentPartTypeToolUse:
				total += tokensPerMessage
			}
		}
	}

	limit := defaultEstimateCap
	if caps != nil && caps.ContextLength > 0 {
		remaining := caps.ContextLength - promptTokens - conversationTokens
		if remaining < 0 {
			remaining = 0
		}
		limit = remaining
		if limit > defaultEstimateCap {
			limit = defaultEstimateCap
		}
	}

	if total > limit {
		return limit
	}
	return total
}
