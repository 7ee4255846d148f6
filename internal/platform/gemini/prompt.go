package gemini

import (
	"encoding/json"
	"fmt"

	"github.com/mailsift/mailsift/internal/analysis"
)

// stageInstructions tells the model what signal to produce per stage. The
// layer treats outputs as opaque; these prompts only have to keep the
// response shape stable.
var stageInstructions = map[analysis.Stage]string{
	analysis.StageExtractTasks: "Extract actionable tasks from each email. " +
		"For each item return output.tasks as an array of {description, due_date, assignee}.",
	analysis.StageSentiment: "Classify the tone of each email. " +
		"For each item return output.sentiment (positive|neutral|negative) and output.urgency (low|medium|high).",
	analysis.StageContext: "Relate each email to the prior analysis included in its payload. " +
		"For each item return output.thread_summary and output.related_topics as an array of strings.",
	analysis.StageMetadata: "Derive metadata for each email. " +
		"For each item return output.category, output.priority (1-5) and output.labels as an array of strings.",
}

// promptItem is the per-request input shape embedded in the prompt.
type promptItem struct {
	ID      string `json:"id"`
	Payload string `json:"payload"`
}

// buildPrompt assembles the single batch prompt for a stage.
func buildPrompt(stage analysis.Stage, reqs []analysis.Request) (string, error) {
	instruction, ok := stageInstructions[stage]
	if !ok {
		return "", fmt.Errorf("unknown stage %q", stage)
	}

	items := make([]promptItem, len(reqs))
	for i, req := range reqs {
		items[i] = promptItem{ID: req.ID.String(), Payload: req.Payload}
	}
	encoded, err := json.Marshal(items)
	if err != nil {
		return "", err
	}

	return instruction + "\n\n" +
		"Analyze every item in the following JSON array. Respond with only a JSON array, " +
		"one element per input item, each shaped as " +
		`{"id": "<the item id, unchanged>", "output": {...}, "tokens_used": <integer>}. ` +
		"Do not add commentary.\n\n" +
		string(encoded), nil
}
