package calibrator

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/charlie0129/rccal/pkg/calibration"
)

// SweepPoint summarises the counts measured at one trim.
type SweepPoint struct {
	Trim   calibration.Trim `json:"trim"`
	Mean   float64          `json:"mean"`
	StdDev float64          `json:"stdDev"`
	Diff   float64          `json:"diff"`
}

// SweepResult is a least squares fit of count against trim.
type SweepResult struct {
	Points    []SweepPoint `json:"points"`
	Intercept float64      `json:"intercept"`
	Slope     float64      `json:"slope"`
	RSquared  float64      `json:"rSquared"`
	// Predicted is the trim the fit puts closest to the target. It is only
	// meaningful when HasPrediction is set.
	Predicted     calibration.Trim `json:"predicted"`
	HasPrediction bool             `json:"hasPrediction"`
}

// Sweep measures samples counts at every trim in [from, to], clamped to the
// trim field, and fits a line through them. The committed trim is restored
// afterwards.
func (c *Calibrator) Sweep(from, to calibration.Trim, samples int) (*SweepResult, error) {
	if samples < 1 {
		return nil, fmt.Errorf("samples must be at least 1, got %d", samples)
	}
	lo, hi := c.trim.Range()
	from, to = max(from, lo), min(to, hi)
	if from > to {
		return nil, fmt.Errorf("empty trim range %#02x..%#02x within field %#02x..%#02x", from, to, lo, hi)
	}

	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.release()

	orig, err := c.trim.Read()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := c.trim.Write(orig); err != nil {
			logrus.WithError(err).Error("failed to restore trim after sweep")
		}
	}()

	res := &SweepResult{}
	xs := make([]float64, 0, int(to-from+1)*samples)
	ys := make([]float64, 0, cap(xs))
	counts := make([]float64, samples)

	for v := int(from); v <= int(to); v++ {
		if err := c.trim.Write(uint8(v)); err != nil {
			return nil, err
		}
		for i := range counts {
			n, err := c.counter.Measure()
			if err != nil {
				return nil, err
			}
			counts[i] = float64(n)
			xs = append(xs, float64(v))
			ys = append(ys, float64(n))
		}

		p := SweepPoint{Trim: uint8(v)}
		if samples == 1 {
			p.Mean = counts[0]
		} else {
			p.Mean, p.StdDev = stat.MeanStdDev(counts, nil)
		}
		p.Diff = p.Mean - float64(c.target)
		res.Points = append(res.Points, p)

		logrus.WithFields(logrus.Fields{
			"trim":   v,
			"mean":   p.Mean,
			"stdDev": p.StdDev,
		}).Debug("sweep point")
	}

	if len(res.Points) < 2 {
		return res, nil
	}

	res.Intercept, res.Slope = stat.LinearRegression(xs, ys, nil, false)
	res.RSquared = stat.RSquared(xs, ys, nil, res.Intercept, res.Slope)
	if res.Slope != 0 && !math.IsNaN(res.Slope) {
		best := math.Round((float64(c.target) - res.Intercept) / res.Slope)
		best = math.Max(float64(lo), math.Min(float64(hi), best))
		res.Predicted = uint8(best)
		res.HasPrediction = true
	}

	return res, nil
}
