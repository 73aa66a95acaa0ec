// Package logic contains the runtime decision making used by the engine.
//
// Pacing throttles how often a campaign's ads are admitted relative to its
// pass-through rate. A request draws a single uniform value r in [0,1) and
// every remaining candidate is judged against that same draw: a candidate
// survives when r is below its pass_through_rate. A rate of 0 therefore never
// serves and a rate of 1 always serves. Because the draw is shared, the
// admission decisions inside one request are correlated, which keeps a seeded
// Pacer reproducible.
package logic

import (
	"math/rand"
	"sync"
	"time"

	"github.com/patrickwarner/adeligibility/internal/models"
)

// Pace returns the candidates admitted by draw, preserving order.
func Pace(ads []models.CreativeAd, draw float64) []models.CreativeAd {
	out := make([]models.CreativeAd, 0, len(ads))
	for _, ad := range ads {
		if draw < ad.PassThroughRate {
			out = append(out, ad)
		}
	}
	return out
}

// Pacer owns the random source used for pacing draws. It is safe for
// concurrent use.
type Pacer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewPacer returns a Pacer seeded with seed. A zero seed uses the current time.
func NewPacer(seed int64) *Pacer {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Pacer{rng: rand.New(rand.NewSource(seed))}
}

// Draw returns the next uniform value in [0,1).
func (p *Pacer) Draw() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng.Float64()
}

// Pace takes one draw and applies it to every candidate.
func (p *Pacer) Pace(ads []models.CreativeAd) ([]models.CreativeAd, float64) {
	r := p.Draw()
	return Pace(ads, r), r
}
