package llm

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Chat framing overhead per message and for the reply primer, as counted by
// the OpenAI chat format.
const (
	tokensPerMessage = 3
	tokensPerReply   = 3
)

// contextWindows lists the known maximum context sizes.
var contextWindows = map[string]int{
	"gpt-4-turbo-preview": 128000,
	"gpt-4":               8192,
	"gpt-3.5-turbo":       4096,
}

// ContextWindow returns the maximum context size of a known model.
func ContextWindow(model string) (int, bool) {
	n, ok := contextWindows[model]
	return n, ok
}

// TokenEstimator counts prompt tokens with tiktoken. When no encoding can be
// loaded for a model it falls back to four characters per token.
type TokenEstimator struct {
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
	load      func(model string) (*tiktoken.Tiktoken, error)
}

func NewTokenEstimator() *TokenEstimator {
	return &TokenEstimator{
		encodings: make(map[string]*tiktoken.Tiktoken),
		load:      loadEncoding,
	}
}

func loadEncoding(model string) (*tiktoken.Tiktoken, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err == nil {
		return enc, nil
	}
	return tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
}

// EstimateTurns returns the approximate prompt size of turns for model.
func (e *TokenEstimator) EstimateTurns(model string, turns []Turn) int {
	enc := e.encoding(model)
	total := tokensPerReply
	for _, t := range turns {
		total += tokensPerMessage + e.count(enc, string(t.Role)) + e.count(enc, t.Content)
	}
	return total
}

func (e *TokenEstimator) count(enc *tiktoken.Tiktoken, text string) int {
	if enc == nil {
		return (utf8.RuneCountInString(text) + 3) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

func (e *TokenEstimator) encoding(model string) *tiktoken.Tiktoken {
	model = strings.TrimSpace(model)

	e.mu.Lock()
	defer e.mu.Unlock()

	if enc, ok := e.encodings[model]; ok {
		return enc
	}
	enc, err := e.load(model)
	if err != nil {
		enc = nil
	}
	// a failed load is cached too so the fallback stays cheap
	e.encodings[model] = enc
	return enc
}
