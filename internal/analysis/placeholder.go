package analysis

import (
	"context"

	"github.com/sjawhar/ghost-scribe/internal/draft"
)

const maxPlaceholderSymptoms = 5

// Placeholder is the analyzer used when no LLM is configured. It echoes the
// first user messages back as symptoms.
type Placeholder struct{}

func (Placeholder) Analyze(_ context.Context, in draft.AnalysisInput) (draft.Analysis, error) {
	symptoms := make([]string, 0, maxPlaceholderSymptoms)
	for _, m := range in.Messages {
		if m.Type != draft.MessageUser {
			continue
		}
		symptoms = append(symptoms, m.Content)
		if len(symptoms) == maxPlaceholderSymptoms {
			break
		}
	}

	return draft.Analysis{
		Symptoms:             symptoms,
		Diagnosis:            "Analysis in progress...",
		SuggestedExams:       []draft.SuggestedExam{},
		SuggestedMedications: []draft.SuggestedMedication{},
		Confidence:           0.7,
		Notes:                "Analysis based on the information collected during the consultation.",
	}, nil
}
