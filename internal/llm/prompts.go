package llm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ExtractSystem returns the system prompt for fact extraction.
func ExtractSystem(owner string, threshold int) string {
	return fmt.Sprintf(`You are a memory extraction agent for a personal AI assistant.
Your job is to extract durable, important facts from recent conversation logs.

Respond with ONLY valid JSON (no markdown fences):

{
  "facts": [
    {
      "fact": "concise declarative statement",
      "category": "preference|person|project|event|plan|health|work|opinion|habit|location|relationship",
      "importance": 8,
      "entities": ["entity1", "entity2"],
      "temporal": "2026-02-12"
    }
  ]
}

Importance scale (1-10):
  1-2: Mundane (greetings, small talk, acknowledgments)
  3-4: Mildly useful (mentioned a tool, asked a generic question)
  5-6: Moderately useful (stated a preference, mentioned a plan)
  7-8: Important (changed a preference, new relationship, project decision)
  9-10: Critical (major life event, job change, relationship change, health issue)

Rules:
- Extract ONLY facts with importance >= %d
- Focus on NEW information, not things already known
- Be precise and factual, no speculation beyond what is clearly stated
- Include temporal context when available (dates, relative timing)
- Each fact must be self-contained
- The user is %s
- If no important new facts exist, return {"facts": []}`, threshold, owner)
}

// ExtractMessage builds the user turn for extraction.
func ExtractMessage(activity, markerNote, knownFacts string) string {
	var b strings.Builder
	if markerNote != "" {
		fmt.Fprintf(&b, "IMPORTANT: Only extract facts from events AFTER %s. Ignore older context that was already processed.\n", markerNote)
	}
	if knownFacts != "" {
		fmt.Fprintf(&b, "ALREADY KNOWN FACTS (do NOT re-extract these):\n%s\n", knownFacts)
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Extract important new facts from these recent conversation logs.\n\n--- BEGIN LOGS ---\n%s\n--- END LOGS ---", activity)
	return b.String()
}

// ReconcileSystem is the system prompt for the per-candidate decision.
const ReconcileSystem = `You are a memory reconciliation agent. Given a NEW fact and EXISTING memories,
decide what operation to perform.

Respond with ONLY valid JSON (no markdown fences):

{
  "operation": "ADD|UPDATE|DELETE|NOOP",
  "reason": "brief explanation",
  "updated_fact": "the reconciled fact text (only for UPDATE)",
  "update_target": "the existing fact text being replaced (only for UPDATE)",
  "delete_target": "the existing fact text to invalidate (only for DELETE)"
}

Rules:
- ADD: the fact is genuinely new, no existing memory covers it
- UPDATE: an existing memory needs updating (e.g. a preference changed)
- DELETE: the new fact contradicts or invalidates an existing memory
- NOOP: the fact is already known or too similar to existing memories
- For UPDATE, give the merged fact in updated_fact and quote the replaced memory in update_target
- For DELETE, quote the memory to invalidate in delete_target
- Be conservative: prefer NOOP over ADD for marginal facts`

// ReconcileMessage builds the user turn for reconciliation.
func ReconcileMessage(fact, category string, importance int, evidence []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "NEW FACT: %s\n(Category: %s, Importance: %d)\n\nEXISTING MEMORIES:\n", fact, category, importance)
	for _, e := range evidence {
		fmt.Fprintf(&b, "- %s\n", e)
	}
	return strings.TrimSpace(b.String())
}

// ErrNoJSON is returned when a response holds no JSON object.
var ErrNoJSON = errors.New("no JSON object found in response")

// ParseObject pulls the JSON object out of a model response, tolerating
// markdown fences and surrounding prose.
func ParseObject(content string) (gjson.Result, error) {
	content = strings.TrimSpace(content)

	// Strip markdown code fences if present
	if strings.HasPrefix(content, "```") {
		lines := strings.Split(content, "\n")
		if len(lines) > 2 {
			content = strings.Join(lines[1:len(lines)-1], "\n")
		}
		content = strings.TrimSpace(strings.TrimSuffix(content, "```"))
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return gjson.Result{}, ErrNoJSON
	}
	raw := content[start : end+1]
	if !gjson.Valid(raw) {
		return gjson.Result{}, fmt.Errorf("invalid JSON in response: %.80s", raw)
	}
	return gjson.Parse(raw), nil
}
