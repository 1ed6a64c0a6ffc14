package compress

import (
	"math"

	"github.com/makihq/maki-gateway/internal/convert"
)

// Base weights per category.
var baseWeights = map[Category]float64{
	CategoryUserInstruction: 100,
	CategoryKeyState:        80,
	CategoryReasoning:       40,
	CategoryFailure:         20,
}

// Scoring knobs.
const (
	decayHalfLife   = 20.0
	decayFloor      = 0.3
	lengthThreshold = 2000
	lengthMaxPenalty = 0.3
	referenceBonus  = 1.2
)

// Retention tiers.
const (
	ThresholdKeep  = 70.0
	ThresholdHeavy = 50.0
	ThresholdDrop  = 30.0
)

type Action int

const (
	ActionKeep Action = iota
	ActionLight
	ActionHeavy
	ActionDiscard
)

// Score is stage four: weight every message; the apply pass maps weights to
// actions.
func Score(messages []convert.Message, categories []Category) []float64 {
	n := len(messages)
	scores := make([]float64, n)
	referenced := referencedByLater(messages)

	for i, m := range messages {
		cat := categories[i]
		w := baseWeights[cat]

		// Time decay: age counts from the end of the conversation.
		age := float64(n - 1 - i)
		decay := math.Max(decayFloor, math.Exp2(-age/decayHalfLife))
		w *= decay

		// Long content loses up to 0.3 linearly past the threshold.
		if l := len(m.Content.Flat()); l > lengthThreshold {
			over := float64(l-lengthThreshold) / float64(lengthThreshold)
			if over > 1 {
				over = 1
			}
			w *= 1 - lengthMaxPenalty*over
		}

		if referenced[i] {
			w *= referenceBonus
		}

		// User instructions never fall below the keep line.
		if cat == CategoryUserInstruction && w < ThresholdKeep {
			w = ThresholdKeep
		}
		scores[i] = w
	}
	return scores
}

// ActionFor maps a weight to its retention tier.
func ActionFor(score float64) Action {
	switch {
	case score >= ThresholdKeep:
		return ActionKeep
	case score >= ThresholdHeavy:
		return ActionLight
	case score >= ThresholdDrop:
		return ActionHeavy
	default:
		return ActionDiscard
	}
}

// referencedByLater marks messages whose tool calls a later tool result
// answers, or whose file path a later message mentions.
func referencedByLater(messages []convert.Message) []bool {
	out := make([]bool, len(messages))
	resultIdx := indexToolResults(messages)
	for i, m := range messages {
		for _, tc := range m.ToolCalls {
			if ri, ok := resultIdx[tc.ID]; ok && ri > i {
				out[i] = true
			}
		}
	}
	return out
}
