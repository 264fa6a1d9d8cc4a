package usecase

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/fairyhunter13/ai-idea-evolver/internal/domain"
)

const variatorSystem = "You are a business strategist generating candidate venture ideas for an evolutionary search. Respond with JSON only."

const enricherSystem = "You are a financial analyst producing conservative business-case projections. All monetary figures are in millions of USD. Respond with JSON only."

// variatorPrompt asks for the fresh portion of generation gen's population.
// Offspring instructions list the parent top performers verbatim so the model
// can recombine them.
func variatorPrompt(problemContext string, gen, fresh, offspring, wildcards int, parents []domain.Solution) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Problem context:\n%s\n\n", problemContext)
	fmt.Fprintf(&b, "This is generation %d of the search. ", gen)
	fmt.Fprintf(&b, "Propose exactly %d new business ideas.\n", fresh)
	if offspring > 0 && len(parents) > 0 {
		fmt.Fprintf(&b, "\nThe first %d offspring ideas must recombine mechanisms from these top performers:\n", offspring)
		for _, p := range parents {
			fmt.Fprintf(&b, "- %s %q (score %.2f): %s\n", p.IdeaID, p.Title, p.Score, shorten(p.Description, 160))
		}
		fmt.Fprintf(&b, "Mark those with \"is_offspring\": true.\n")
	}
	if wildcards > 0 {
		fmt.Fprintf(&b, "\nThe remaining %d must be wildcard ideas exploring directions unrelated to any prior idea, with \"is_offspring\": false.\n", wildcards)
	}
	b.WriteString("\nEach idea needs a title, a two-sentence description and a core_mechanism. Leave idea_id empty; ids are assigned downstream.")
	return b.String()
}

// enricherBatchPrompt lists the whole population needing enrichment; ids must
// come back verbatim.
func enricherBatchPrompt(problemContext string, ideas []domain.Idea) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Problem context:\n%s\n\n", problemContext)
	fmt.Fprintf(&b, "Produce a business case for each of the following %d ideas. Use the exact idea_id given.\n\n", len(ideas))
	for _, idea := range ideas {
		fmt.Fprintf(&b, "- %s %q: %s\n", idea.IdeaID, idea.Title, shorten(idea.Description, 240))
	}
	b.WriteString(enricherCaseRules)
	return b.String()
}

// enricherIdeaPrompt asks for a single idea's business case.
func enricherIdeaPrompt(problemContext string, idea domain.Idea) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Problem context:\n%s\n\n", problemContext)
	fmt.Fprintf(&b, "Produce a business case for this idea. Use the exact idea_id given.\n\n")
	fmt.Fprintf(&b, "- %s %q: %s\n", idea.IdeaID, idea.Title, idea.Description)
	if idea.CoreMechanism != "" {
		fmt.Fprintf(&b, "  Core mechanism: %s\n", idea.CoreMechanism)
	}
	b.WriteString(enricherCaseRules)
	return b.String()
}

const enricherCaseRules = `
Each business case requires: npv_success (NPV if the venture succeeds), capex_est (upfront capital, at least 0.05), timeline_months, likelihood of success in [0, 1], at least one risk factor, and exactly five yearly_cashflows.`

// shorten truncates s to at most n bytes on a rune boundary, so a multibyte
// description never leaks invalid UTF-8 into a prompt.
func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
