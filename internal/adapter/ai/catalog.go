package ai

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ModelCapabilities describes what the adapter may ask of one model.
type ModelCapabilities struct {
	// StructuredOutput marks models that honor response_format json_schema.
	// Models without it get the schema embedded in the prompt and the
	// tolerant parser on the way back.
	StructuredOutput bool `yaml:"structured_output"`
	MaxTokens        int  `yaml:"max_tokens"`
}

// Catalog maps model ids (and id prefixes ending in "*") to capabilities.
// It is safe for concurrent use after Load.
type Catalog struct {
	mu     sync.RWMutex
	models map[string]ModelCapabilities
}

// defaultCatalog covers the model families the service is normally run
// against; a YAML file extends or overrides it.
var defaultCatalog = map[string]ModelCapabilities{
	"openai/gpt-4o*":      {StructuredOutput: true, MaxTokens: 16384},
	"openai/gpt-4.1*":     {StructuredOutput: true, MaxTokens: 32768},
	"anthropic/claude-3*": {StructuredOutput: false, MaxTokens: 8192},
	"google/gemini-2*":    {StructuredOutput: true, MaxTokens: 8192},
	"meta-llama/*":        {StructuredOutput: false, MaxTokens: 8192},
	"mistralai/*":         {StructuredOutput: false, MaxTokens: 8192},
}

// NewCatalog returns a catalog seeded with the built-in defaults.
func NewCatalog() *Catalog {
	m := make(map[string]ModelCapabilities, len(defaultCatalog))
	for k, v := range defaultCatalog {
		m[k] = v
	}
	return &Catalog{models: m}
}

// LoadCatalog reads a YAML capabilities file on top of the defaults. An empty
// path returns the defaults.
func LoadCatalog(path string) (*Catalog, error) {
	c := NewCatalog()
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=catalog.load: %w", err)
	}
	var fileModels map[string]ModelCapabilities
	if err := yaml.Unmarshal(b, &fileModels); err != nil {
		return nil, fmt.Errorf("op=catalog.parse: %w", err)
	}
	c.mu.Lock()
	for k, v := range fileModels {
		c.models[k] = v
	}
	c.mu.Unlock()
	return c, nil
}

// Lookup resolves capabilities for a model id. Exact match wins over the
// longest matching "prefix*" entry; unknown models get conservative defaults
// (no native structured output).
func (c *Catalog) Lookup(model string) ModelCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if caps, ok := c.models[model]; ok {
		return caps
	}
	var best string
	var found ModelCapabilities
	for k, v := range c.models {
		if !strings.HasSuffix(k, "*") {
			continue
		}
		prefix := strings.TrimSuffix(k, "*")
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
			found = v
		}
	}
	if best != "" {
		return found
	}
	return ModelCapabilities{StructuredOutput: false, MaxTokens: 4096}
}
