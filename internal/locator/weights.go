package locator

// Fixed per-strategy weights expressing the inherent reliability of each
// strategy family. These are compile-time constants on purpose: changing them
// would silently change replay decisions between runs, so they are never
// user-configurable.
const (
	weightSemantic     = 1.00
	weightText         = 0.95
	weightStructuralID = 0.90
	weightEvidence     = 0.85
	weightCSSPath      = 0.80
	weightVisionOCR    = 0.70
	weightCoordinates  = 0.50
)

var strategyWeights = map[StrategyType]float64{
	StrategySemantic:     weightSemantic,
	StrategyText:         weightText,
	StrategyStructuralID: weightStructuralID,
	StrategyEvidence:     weightEvidence,
	StrategyCSSPath:      weightCSSPath,
	StrategyVisionOCR:    weightVisionOCR,
	StrategyCoordinates:  weightCoordinates,
}

// Weight returns the fixed weight for a strategy type. Unknown types weigh
// zero so they can never win a scoring round.
func Weight(t StrategyType) float64 {
	return strategyWeights[t]
}
