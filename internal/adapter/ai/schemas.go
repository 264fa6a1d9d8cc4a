// Package ai provides the LLM adapter: schema definitions, the model catalog,
// and client construction shared by the real and stub implementations.
package ai

import "github.com/fairyhunter13/ai-idea-evolver/internal/domain"

// Schema names used with providers that bind structured output by name.
const (
	SchemaNameVariator = "idea_generation"
	SchemaNameEnricher = "business_case_enrichment"
)

// SchemaVersion participates in enrichment cache keys; bump it when a schema
// shape changes so stale cached cases are not reused.
const SchemaVersion = "v1"

// VariatorResponse is the wire shape the variator call is bound to.
type VariatorResponse struct {
	Ideas []domain.Idea `json:"ideas"`
}

// EnricherResponse is the wire shape the enricher call is bound to.
type EnricherResponse struct {
	EnrichedIdeas []EnrichedIdea `json:"enriched_ideas"`
}

// EnrichedIdea pairs an idea id with its business case on the wire.
type EnrichedIdea struct {
	IdeaID       string               `json:"idea_id"`
	BusinessCase *domain.BusinessCase `json:"business_case"`
}

// VariatorSchema is the JSON Schema for {ideas:[Idea]}. Kept as a literal:
// the shapes are stable and a schema generator would be the only consumer.
var VariatorSchema = []byte(`{
  "type": "object",
  "additionalProperties": false,
  "required": ["ideas"],
  "properties": {
    "ideas": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["idea_id", "title", "description", "core_mechanism", "is_offspring"],
        "properties": {
          "idea_id": {"type": "string"},
          "title": {"type": "string"},
          "description": {"type": "string"},
          "core_mechanism": {"type": "string"},
          "is_offspring": {"type": "boolean"}
        }
      }
    }
  }
}`)

// EnricherSchema is the JSON Schema for {enriched_ideas:[EnrichedIdea]}.
var EnricherSchema = []byte(`{
  "type": "object",
  "additionalProperties": false,
  "required": ["enriched_ideas"],
  "properties": {
    "enriched_ideas": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["idea_id", "business_case"],
        "properties": {
          "idea_id": {"type": "string"},
          "business_case": {
            "type": "object",
            "additionalProperties": false,
            "required": ["npv_success", "capex_est", "timeline_months", "likelihood", "risk_factors", "yearly_cashflows"],
            "properties": {
              "npv_success": {"type": "number"},
              "capex_est": {"type": "number", "minimum": 0.05},
              "timeline_months": {"type": "integer"},
              "likelihood": {"type": "number", "minimum": 0, "maximum": 1},
              "risk_factors": {"type": "array", "items": {"type": "string"}, "minItems": 1},
              "yearly_cashflows": {"type": "array", "items": {"type": "number"}, "minItems": 5, "maxItems": 5}
            }
          }
        }
      }
    }
  }
}`)

// SchemaFor returns the schema name and body for a phase; the ranker never
// calls the model.
func SchemaFor(phase domain.Phase) (name string, schema []byte) {
	switch phase {
	case domain.PhaseVariator:
		return SchemaNameVariator, VariatorSchema
	case domain.PhaseEnricher:
		return SchemaNameEnricher, EnricherSchema
	}
	return "", nil
}
