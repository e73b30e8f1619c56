package openai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/drfirst/go-rxsafety/internal/domain/safety"
)

const promptTemplate = `Patient's allergies include both side effects they are vulnerable to and their existing allergies.
Check if any of the following side effects of a drug match the patient's allergies,
or if the patient's allergies could be caused by the drug's side effects:

Drug Side Effects: %s
Patient Allergies: %s

Return the results in the following object format:
- If a side effect matches or causes an allergy, reply with: {"message": "[drug] causes [allergy/side effect].", "allergy_flag": "1"}
- If no match is found, reply with: {"message": "", "allergy_flag": "0"}
`

// BuildPrompt renders the classification prompt for one drug.
func BuildPrompt(sideEffects, allergies string) string {
	return fmt.Sprintf(promptTemplate, sideEffects, allergies)
}

type replyPayload struct {
	Message     string          `json:"message"`
	AllergyFlag json.RawMessage `json:"allergy_flag"`
}

// ParseReply reads the model's answer. The flag may be quoted or bare, and
// the object may be wrapped in a markdown code block or surrounding prose.
func ParseReply(text string) (safety.MatchResult, error) {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end < start {
		return safety.MatchResult{}, fmt.Errorf("%w: no object in %q", ErrMalformedReply, truncate(text, 120))
	}

	var p replyPayload
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &p); err != nil {
		return safety.MatchResult{}, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}

	flag := strings.Trim(strings.TrimSpace(string(p.AllergyFlag)), `"`)
	switch flag {
	case "1", "true":
		return safety.MatchResult{Conflict: true, Explanation: strings.TrimSpace(p.Message)}, nil
	case "0", "false":
		return safety.MatchResult{Explanation: strings.TrimSpace(p.Message)}, nil
	default:
		return safety.MatchResult{}, fmt.Errorf("%w: allergy_flag %q", ErrMalformedReply, flag)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
