// Package stub provides a deterministic offline AIClient for dev runs and
// tests. Output is seeded by the prompt, so identical requests produce
// identical ideas and business cases without a network dependency.
package stub

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/fairyhunter13/ai-idea-evolver/internal/adapter/ai"
	"github.com/fairyhunter13/ai-idea-evolver/internal/domain"
)

// Client implements domain.AIClient without any upstream.
type Client struct {
	// Latency is added to each call so timing-sensitive code paths are
	// exercised; zero in tests.
	Latency time.Duration
}

// New returns a stub client.
func New() *Client { return &Client{} }

var (
	countRe     = regexp.MustCompile(`exactly (\d+) `)
	genRe       = regexp.MustCompile(`generation (\d+)`)
	offspringRe = regexp.MustCompile(`(\d+) offspring`)
	idRe        = regexp.MustCompile(`VAR_GEN\d+_\d{3}`)
)

// ChatJSON fabricates a schema-valid response for the requested phase.
func (c *Client) ChatJSON(ctx domain.Context, req domain.ChatRequest) (domain.ChatResult, error) {
	if c.Latency > 0 {
		select {
		case <-time.After(c.Latency):
		case <-ctx.Done():
			return domain.ChatResult{}, ctx.Err()
		}
	}
	var payload any
	switch req.Phase {
	case domain.PhaseVariator:
		payload = c.variate(req.UserPrompt)
	case domain.PhaseEnricher:
		payload = c.enrich(req.UserPrompt)
	default:
		return domain.ChatResult{}, fmt.Errorf("%w: stub has no schema for phase %q", domain.ErrInvalidArgument, req.Phase)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return domain.ChatResult{}, err
	}
	content := string(b)
	return domain.ChatResult{
		Content: content,
		Model:   "stub",
		Usage: domain.ChatUsage{
			PromptTokens:     len(req.UserPrompt) / 4,
			CompletionTokens: len(content) / 4,
			TotalTokens:      (len(req.UserPrompt) + len(content)) / 4,
			Estimated:        true,
		},
	}, nil
}

func (c *Client) variate(prompt string) ai.VariatorResponse {
	count := 3
	if m := countRe.FindStringSubmatch(prompt); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			count = n
		}
	}
	gen := 1
	if m := genRe.FindStringSubmatch(prompt); m != nil {
		if g, err := strconv.Atoi(m[1]); err == nil && g > 0 {
			gen = g
		}
	}
	offspring := 0
	if m := offspringRe.FindStringSubmatch(prompt); m != nil {
		offspring, _ = strconv.Atoi(m[1])
	}
	seed := seedOf(prompt)
	ideas := make([]domain.Idea, 0, count)
	for i := 1; i <= count; i++ {
		isOffspring := i <= offspring
		ideas = append(ideas, domain.Idea{
			IdeaID:        fmt.Sprintf("VAR_GEN%d_%03d", gen, i),
			Title:         fmt.Sprintf("Concept %d-%d", gen, (seed+uint64(i))%1000),
			Description:   fmt.Sprintf("A deterministic concept derived from seed %d for slot %d.", seed%10000, i),
			CoreMechanism: "subscription",
			IsOffspring:   isOffspring,
		})
	}
	return ai.VariatorResponse{Ideas: ideas}
}

func (c *Client) enrich(prompt string) ai.EnricherResponse {
	ids := idRe.FindAllString(prompt, -1)
	seen := map[string]bool{}
	out := ai.EnricherResponse{}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		s := seedOf(id + prompt[:min(64, len(prompt))])
		// Bounded, schema-valid numbers; spread enough that ranking is
		// non-trivial.
		capex := 0.05 + float64(s%400)/100.0
		npv := capex * (1.5 + float64(s%70)/10.0)
		likelihood := 0.2 + float64(s%60)/100.0
		out.EnrichedIdeas = append(out.EnrichedIdeas, ai.EnrichedIdea{
			IdeaID: id,
			BusinessCase: &domain.BusinessCase{
				NPVSuccess:     round2(npv),
				CapexEst:       round2(capex),
				TimelineMonths: 6 + int(s%30),
				Likelihood:     round2(likelihood),
				RiskFactors:    []string{"market adoption", "execution"},
				YearlyCashflows: []float64{
					round2(-capex),
					round2(npv * 0.1),
					round2(npv * 0.2),
					round2(npv * 0.3),
					round2(npv * 0.4),
				},
			},
		})
	}
	return out
}

func seedOf(s string) uint64 {
	h := sha256.Sum256([]byte(s))
	return binary.BigEndian.Uint64(h[:8])
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
