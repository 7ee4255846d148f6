package analysis

// Stage identifies one step of the document analysis pipeline.
type Stage string

// Pipeline stages, in execution order.
const (
	// StageExtractTasks pulls action items out of the document body.
	StageExtractTasks Stage = "extract_tasks"

	// StageSentiment classifies the tone and urgency of the document.
	StageSentiment Stage = "analyze_sentiment"

	// StageContext relates the document to prior conversation context.
	// This stage is optional and can be disabled by configuration.
	StageContext Stage = "analyze_context"

	// StageMetadata enriches the document with derived metadata
	// (categories, priority, suggested labels).
	StageMetadata Stage = "enhance_metadata"
)

// PipelineStages lists every stage in the fixed order the orchestrator
// executes them. Later stages may consume the outputs of earlier ones,
// so the order is part of the contract.
var PipelineStages = []Stage{
	StageExtractTasks,
	StageSentiment,
	StageContext,
	StageMetadata,
}

// Valid reports whether s names a known pipeline stage.
func (s Stage) Valid() bool {
	for _, known := range PipelineStages {
		if s == known {
			return true
		}
	}
	return false
}
