package coordinator

import "encoding/json"

// SelfRating is the seven-dimensional weighted self-assessment computed
// every Nth cycle (§4.7). Per the open question on its numeric shape, only
// Score() is consumed by the Maintenance Pipeline trigger rules — the
// dimensions themselves stay unexported so no caller grows a dependency on
// their individual meaning.
type SelfRating struct {
	relevance          float64
	completeness       float64
	navigationQuality  float64
	confidenceAlignment float64
	noveltyHandling    float64
	consistency        float64
	userSignal         float64
}

// dimensionCount is the divisor of Score; the seven dimensions are weighted
// equally because no seed scenario or source variant specifies otherwise
// (§9's open question explicitly leaves this opaque).
const dimensionCount = 7

// Score reduces the seven dimensions to the single float the maintenance
// trigger rules consume.
func (r SelfRating) Score() float64 {
	sum := r.relevance + r.completeness + r.navigationQuality +
		r.confidenceAlignment + r.noveltyHandling + r.consistency + r.userSignal
	return sum / dimensionCount
}

// MarshalJSON surfaces only Score() — the seven dimensions stay opaque
// across the wire the same way they stay opaque across the package
// boundary.
func (r SelfRating) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Score float64 `json:"score"`
	}{Score: r.Score()})
}

// clamp01 keeps a dimension input in [0,1] regardless of how it was derived.
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
