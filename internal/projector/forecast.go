package projector

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Forecast is a projected spend over [Start, End).
type Forecast struct {
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Amount float64   `json:"amount"`
	Lower  float64   `json:"lower"`
	Upper  float64   `json:"upper"`
	Method string    `json:"method"`
}

// Forecaster projects future spend. Implementations may use the supplied
// trend or ignore it and ask an upstream service.
type Forecaster interface {
	Forecast(ctx context.Context, trend []TrendPoint, start, end time.Time) (Forecast, error)
}

// TrailingMean forecasts the mean daily cost of the last WindowDays of the
// trend, with a one standard deviation band.
type TrailingMean struct {
	WindowDays int
}

// Forecast implements Forecaster.
func (t TrailingMean) Forecast(_ context.Context, trend []TrendPoint, start, end time.Time) (Forecast, error) {
	out := Forecast{Start: start, End: end, Method: "trailing_mean"}
	days := int(end.Sub(start).Hours() / 24)
	if len(trend) == 0 || days <= 0 {
		return out, nil
	}

	window := trend
	if t.WindowDays > 0 && len(window) > t.WindowDays {
		window = window[len(window)-t.WindowDays:]
	}
	var sum float64
	for _, p := range window {
		sum += p.Cost
	}
	mean := sum / float64(len(window))
	var sq float64
	for _, p := range window {
		sq += (p.Cost - mean) * (p.Cost - mean)
	}
	sd := math.Sqrt(sq / float64(len(window)))

	n := float64(days)
	out.Amount = round(mean*n, 2)
	out.Lower = round(math.Max(0, (mean-sd)*n), 2)
	out.Upper = round((mean+sd)*n, 2)
	return out, nil
}

// Variance compares actual spend to a forecast as a percentage.
func Variance(actual float64, f Forecast) float64 {
	if f.Amount == 0 {
		return 0
	}
	return decimal.NewFromFloat((actual - f.Amount) / f.Amount * 100).Round(2).InexactFloat64()
}
