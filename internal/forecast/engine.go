package forecast

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// ErrUnorderedHistory is returned when training data is not strictly
// ascending by date
var ErrUnorderedHistory = errors.New("history must be ordered by ascending date")

// clampEpsilon keeps observed probabilities away from 0 and 1 before the
// logit transform
const clampEpsilon = 1e-4

// seasonalityPenalty is the ridge weight per observation on the Fourier
// coefficients. Over spans shorter than a year the harmonics are nearly
// collinear with the trend and would otherwise explode outside the window.
const seasonalityPenalty = 0.02

// Observation is one point of training history. A NaN value, or any value
// that is not a probability, is treated as missing.
type Observation struct {
	Date  time.Time
	Value float64
}

type Config struct {
	// MinTrainingDays is the number of usable observations a series must
	// exceed before a model is fit
	MinTrainingDays int
	// IntervalWidth is the coverage of the uncertainty band, e.g. 0.8
	IntervalWidth float64
	// FourierOrder is the number of yearly harmonics
	FourierOrder int
}

func DefaultConfig() Config {
	return Config{
		MinTrainingDays: 60,
		IntervalWidth:   0.8,
		FourierOrder:    10,
	}
}

// Engine fits and evaluates bounded [0,1] forecasting models
type Engine struct {
	cfg      Config
	quantile float64
}

func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:      cfg,
		quantile: distuv.UnitNormal.Quantile(0.5 + cfg.IntervalWidth/2),
	}
}

// Train fits a model on the history. It returns a nil model, and no error,
// when the series cannot support a meaningful forecast: empty, all missing
// or zero, or too short once the leading run of zeros (the period before
// the indicator was produced) is discarded.
func (e *Engine) Train(ctx context.Context, history []Observation) (*Model, error) {
	if err := checkOrdered(history); err != nil {
		return nil, err
	}

	usable := usableObservations(history)
	if len(usable) <= e.cfg.MinTrainingDays {
		return nil, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := usable[0].Date
	end := usable[len(usable)-1].Date
	span := math.Max(daysBetween(start, end), 1)

	order := harmonics(e.cfg.FourierOrder, span)
	cols := 2 + 2*order
	x := mat.NewDense(len(usable), cols, nil)
	z := make([]float64, len(usable))
	for i, o := range usable {
		x.Set(i, 0, 1)
		x.Set(i, 1, daysBetween(start, o.Date)/span)
		for k := 1; k <= order; k++ {
			sin, cos := fourierTerm(o.Date, k)
			x.Set(i, 2*k, sin)
			x.Set(i, 2*k+1, cos)
		}
		z[i] = logit(math.Min(math.Max(o.Value, clampEpsilon), 1-clampEpsilon))
	}

	beta, err := ridge(x, z, seasonalityPenalty*float64(len(usable)))
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var fitted mat.VecDense
	fitted.MulVec(x, beta)
	residuals := make([]float64, len(z))
	for i := range z {
		residuals[i] = z[i] - fitted.AtVec(i)
	}

	fourier := make([]float64, 2*order)
	for i := range fourier {
		fourier[i] = beta.AtVec(2 + i)
	}

	return &Model{
		Version:   modelVersion,
		Start:     start,
		End:       end,
		Span:      span,
		Intercept: beta.AtVec(0),
		Slope:     beta.AtVec(1),
		Fourier:   fourier,
		Sigma:     stat.StdDev(residuals, nil),
		Quantile:  e.quantile,
		Samples:   len(usable),
	}, nil
}

// Forecast evaluates a trained model on a date
func (e *Engine) Forecast(model *Model, date time.Time) (Forecast, error) {
	if model == nil {
		return Forecast{}, fmt.Errorf("%w: nil model", ErrInvalidModel)
	}
	return model.Predict(date), nil
}

// harmonics caps the Fourier order so that a series covering a fraction of a
// year only fits the same fraction of the configured harmonics
func harmonics(maxOrder int, span float64) int {
	order := int(span * float64(maxOrder) / yearLength)
	if order > maxOrder {
		return maxOrder
	}
	return order
}

// ridge solves (XᵀX + λD)β = Xᵀz where D is the identity on the Fourier
// columns and zero on the level and slope
func ridge(x *mat.Dense, z []float64, lambda float64) (*mat.VecDense, error) {
	_, cols := x.Dims()

	var xtx mat.Dense
	xtx.Mul(x.T(), x)
	a := mat.NewSymDense(cols, nil)
	for i := 0; i < cols; i++ {
		for j := i; j < cols; j++ {
			a.SetSym(i, j, xtx.At(i, j))
		}
		if i >= 2 {
			a.SetSym(i, i, a.At(i, i)+lambda)
		}
	}

	var xtz mat.VecDense
	xtz.MulVec(x.T(), mat.NewVecDense(len(z), z))

	var chol mat.Cholesky
	if ok := chol.Factorize(a); !ok {
		return nil, errors.New("failed to fit model: normal equations are not positive definite")
	}
	var beta mat.VecDense
	if err := chol.SolveVecTo(&beta, &xtz); err != nil {
		return nil, fmt.Errorf("failed to fit model: %w", err)
	}
	return &beta, nil
}

func checkOrdered(history []Observation) error {
	for i := 1; i < len(history); i++ {
		if !history[i].Date.After(history[i-1].Date) {
			return fmt.Errorf("%w: %s follows %s", ErrUnorderedHistory,
				history[i].Date.Format("2006-01-02"), history[i-1].Date.Format("2006-01-02"))
		}
	}
	return nil
}

func missing(v float64) bool {
	return math.IsNaN(v) || v < 0 || v > 1
}

// usableObservations drops missing values and the zeros that precede the
// first non-zero observation
func usableObservations(history []Observation) []Observation {
	first := -1
	for i, o := range history {
		if !missing(o.Value) && o.Value != 0 {
			first = i
			break
		}
	}
	if first < 0 {
		return nil
	}

	usable := make([]Observation, 0, len(history)-first)
	for _, o := range history[first:] {
		if missing(o.Value) {
			continue
		}
		usable = append(usable, o)
	}
	return usable
}
