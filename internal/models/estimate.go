package models

import "math"

// baseDuration is the expected runtime in seconds of a minimal job of each type.
var baseDuration = map[JobType]int{
	TypeTextGeneration:   30,
	TypeImageGeneration:  60,
	TypeVideoCreation:    300,
	TypeMusicComposition: 180,
	Type3DModeling:       600,
	TypeGraphicDesign:    120,
}

// EstimateDuration scales the base duration for t by payload complexity,
// measured as the number of top-level payload keys. Every three keys beyond the
// first three add one base unit proportionally.
func EstimateDuration(t JobType, payloadKeys int) int {
	base, ok := baseDuration[t]
	if !ok {
		return 0
	}
	factor := math.Max(1, float64(payloadKeys)/3)
	return int(math.Round(float64(base) * factor))
}
