// Package tokencount estimates token usage for chat completions with
// tiktoken-go. The provider normally reports usage itself; this is the
// fallback when the usage block is missing, so the telemetry an operator sees
// never has zero token counts.
package tokencount

import (
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

func init() {
	// Embedded BPE ranks. The default loader downloads them over the network
	// at first use, which must not happen inside a worker handling a task.
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// Counter caches tiktoken encodings per model family. Safe for concurrent use.
type Counter struct {
	mu    sync.RWMutex
	cache map[string]*tiktoken.Tiktoken
}

// NewCounter returns an empty Counter.
func NewCounter() *Counter {
	return &Counter{cache: make(map[string]*tiktoken.Tiktoken)}
}

// Default is the process-wide counter.
var Default = NewCounter()

func (c *Counter) encoding(model string) (*tiktoken.Tiktoken, error) {
	key := normalize(model)
	c.mu.RLock()
	enc, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		return enc, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.cache[key]; ok {
		return enc, nil
	}
	enc, err := tiktoken.EncodingForModel(key)
	if err != nil {
		// cl100k_base approximates every model family we route to.
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	c.cache[key] = enc
	return enc, nil
}

// normalize maps provider-prefixed ids ("openai/gpt-4o-mini",
// "meta-llama/llama-3.1-8b:free") onto tiktoken model names.
func normalize(model string) string {
	model = strings.ToLower(model)
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	if i := strings.Index(model, ":"); i >= 0 {
		model = model[:i]
	}
	switch {
	case strings.HasPrefix(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	default:
		return "gpt-4"
	}
}

// Count returns the token count of text under the model's encoding, falling
// back to a rough 4-chars-per-token estimate when encoding fails.
func (c *Counter) Count(text, model string) int {
	enc, err := c.encoding(model)
	if err != nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// EstimateChat approximates prompt tokens for a system+user chat request,
// including the per-message framing overhead of OpenAI-compatible APIs.
func (c *Counter) EstimateChat(systemPrompt, userPrompt, model string) int {
	const perMessage = 4 // message framing + role
	n := perMessage + c.Count(systemPrompt, model)
	n += perMessage + c.Count(userPrompt, model)
	n += 3 // assistant reply priming
	return n
}
