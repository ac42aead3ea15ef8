// Package pipeline runs media jobs through the processing stages:
// probe, normalize, transcribe, diarize, resolve speakers, persist,
// notify. Every stage commits durably before the job advances, so a
// crashed worker resumes where it stopped instead of starting over.
package pipeline

import "github.com/codebuildervaibhav/voicevault/internal/types"

// NextStage returns the stage after the given one, or "" when the given
// stage is the last
func NextStage(stage string) string {
	for i, s := range types.StageOrder {
		if s == stage {
			if i+1 < len(types.StageOrder) {
				return types.StageOrder[i+1]
			}
			return ""
		}
	}
	return ""
}

// ValidTransition reports whether a job may move from one stage to the
// next. Only forward single-step moves are legal.
func ValidTransition(from, to string) bool {
	return NextStage(from) == to && to != ""
}

// ProgressAfter returns the cumulative percent complete once the given
// stage has committed
func ProgressAfter(stage string) int {
	total := 0
	for _, s := range types.StageOrder {
		total += types.StageWeights[s]
		if s == stage {
			return total
		}
	}
	return total
}
