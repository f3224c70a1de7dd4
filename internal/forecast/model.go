package forecast

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

const modelVersion = 1

// yearLength is the seasonal period in days
const yearLength = 365.25

// seasonalityReferenceYear is the (non leap) year used to render the
// yearly seasonality curve
const seasonalityReferenceYear = 2017

var ErrInvalidModel = errors.New("invalid forecast model")

// Forecast is the band predicted for a single date. All values lie in (0,1).
type Forecast struct {
	Point float64
	Lower float64
	Upper float64
	Trend float64
}

// Model is a fitted logistic trend with yearly Fourier seasonality. The
// linear predictor lives in logit space so every forecast is bounded by the
// floor 0 and the cap 1.
type Model struct {
	Version   int       `json:"version"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Span      float64   `json:"span"`
	Intercept float64   `json:"intercept"`
	Slope     float64   `json:"slope"`
	Fourier   []float64 `json:"fourier"`
	Sigma     float64   `json:"sigma"`
	Quantile  float64   `json:"quantile"`
	Samples   int       `json:"samples"`
}

// Encode serializes the model to the JSON stored as predictor weights
func (m *Model) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses predictor weights back into a model
func Decode(raw []byte) (*Model, error) {
	var m Model
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidModel, err)
	}
	if m.Version != modelVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidModel, m.Version)
	}
	if len(m.Fourier)%2 != 0 || m.Span <= 0 {
		return nil, fmt.Errorf("%w: malformed coefficients", ErrInvalidModel)
	}
	return &m, nil
}

// Predict returns the forecast band for a date
func (m *Model) Predict(date time.Time) Forecast {
	trend := m.trendAt(date)
	z := trend + m.seasonalityAt(date)
	width := m.Quantile * m.Sigma

	return Forecast{
		Point: sigmoid(z),
		Lower: sigmoid(z - width),
		Upper: sigmoid(z + width),
		Trend: sigmoid(trend),
	}
}

// TrendCurve returns the daily trend over the training span, first day to last
func (m *Model) TrendCurve() []float64 {
	days := int(daysBetween(m.Start, m.End)) + 1
	curve := make([]float64, 0, days)
	for d := 0; d < days; d++ {
		curve = append(curve, sigmoid(m.trendAt(m.Start.AddDate(0, 0, d))))
	}
	return curve
}

// YearlySeasonality returns the additive seasonal component (logit scale)
// for each day of a 365 day year
func (m *Model) YearlySeasonality() []float64 {
	start := time.Date(seasonalityReferenceYear, time.January, 1, 0, 0, 0, 0, time.UTC)
	curve := make([]float64, 365)
	for d := range curve {
		curve[d] = m.seasonalityAt(start.AddDate(0, 0, d))
	}
	return curve
}

func (m *Model) trendAt(date time.Time) float64 {
	return m.Intercept + m.Slope*daysBetween(m.Start, date)/m.Span
}

func (m *Model) seasonalityAt(date time.Time) float64 {
	var s float64
	for k := 0; k < len(m.Fourier)/2; k++ {
		sin, cos := fourierTerm(date, k+1)
		s += m.Fourier[2*k]*sin + m.Fourier[2*k+1]*cos
	}
	return s
}

func fourierTerm(date time.Time, order int) (float64, float64) {
	angle := 2 * math.Pi * float64(order) * epochDays(date) / yearLength
	return math.Sin(angle), math.Cos(angle)
}

func epochDays(t time.Time) float64 {
	return float64(t.Unix()) / 86400
}

func daysBetween(from, to time.Time) float64 {
	return to.Sub(from).Hours() / 24
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

func logit(p float64) float64 {
	return math.Log(p / (1 - p))
}
