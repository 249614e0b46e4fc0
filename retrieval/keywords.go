package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/siherrmann/kgrag/extract"
)

// keywordExtraction is the JSON shape the LLM is prompted to emit for
// both the hybrid and mini strategies; unused fields are simply empty.
type keywordExtraction struct {
	LowLevelKeywords   []string `json:"low_level_keywords"`
	HighLevelKeywords  []string `json:"high_level_keywords"`
	AnswerTypeKeywords []string `json:"answer_type_keywords"`
	EntitiesFromQuery  []string `json:"entities_from_query"`
}

const keywordExtractionPrompt = `Extract keywords from the user query for a knowledge-graph retrieval system.
Respond with a single JSON object and nothing else, containing any of the keys:
"high_level_keywords" (broad themes), "low_level_keywords" (specific entities/terms),
"answer_type_keywords" (entity types the answer likely is), "entities_from_query"
(entity names mentioned in the query, capped at 5).

Query: %s`

// extractKeywords calls the LLM once and parses its reply as JSON,
// falling back to locating a brace-delimited substring when the model's
// reply isn't bare JSON (echoes the prompt, wraps it in chat turns, ...).
// If both attempts fail it returns a zero-value extraction rather than an
// error, matching the "canned fail response" robustness rule.
func extractKeywords(ctx context.Context, llm extract.LLM, query string) keywordExtraction {
	if llm == nil {
		return keywordExtraction{}
	}
	prompt := fmt.Sprintf(keywordExtractionPrompt, query)
	reply, err := llm(ctx, prompt, nil, "")
	if err != nil {
		return keywordExtraction{}
	}

	var kw keywordExtraction
	if json.Unmarshal([]byte(reply), &kw) == nil {
		return kw
	}

	stripped := strings.TrimSpace(reply)
	stripped = strings.ReplaceAll(stripped, prompt, "")
	if start := strings.Index(stripped, "{"); start >= 0 {
		if end := strings.LastIndex(stripped, "}"); end > start {
			candidate := stripped[start : end+1]
			if json.Unmarshal([]byte(candidate), &kw) == nil {
				return kw
			}
		}
	}

	return keywordExtraction{}
}

func joinKeywords(kws []string) string {
	return strings.Join(kws, ", ")
}
