package features

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strconv"
	"time"
)

const (
	// FeatureCount is the width of a valid feature vector.
	FeatureCount = 2 + VectorCount

	secondsPerDay  = 86400.0
	vectorScaler   = 0.5
	maxNoise       = 0.1
	topSignalCount = 3
)

var (
	// ErrFeatureCount is returned when a transform does not yield FeatureCount entries.
	ErrFeatureCount = errors.New("feature count mismatch")

	// ErrNonFinite is returned when a feature is NaN or infinite.
	ErrNonFinite = errors.New("non-finite feature value")
)

// Feature is one named entry of a feature vector.
type Feature struct {
	Name  string
	Value float64
}

// FeatureVector is an ordered list of features: Amount, Time, V1..V28.
type FeatureVector []Feature

// Get returns the value of the named feature.
func (fv FeatureVector) Get(name string) (float64, bool) {
	for _, f := range fv {
		if f.Name == name {
			return f.Value, true
		}
	}
	return 0, false
}

// MarshalJSON encodes the vector as a JSON object, keeping feature order.
func (fv FeatureVector) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range fv {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Quote(f.Name))
		buf.WriteByte(':')
		buf.WriteString(strconv.FormatFloat(f.Value, 'g', -1, 64))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// SignalContribution is an approximate share of the model output attributed to a risk signal.
type SignalContribution struct {
	Signal       string  `json:"signal"`
	Contribution float64 `json:"contribution"`
}

// Option configures a Transformer.
type Option func(*Transformer)

// WithNoise replaces the noise source. It must return values in [-0.1, 0.1].
func WithNoise(noise func() float64) Option {
	return func(t *Transformer) { t.noise = noise }
}

// WithClock replaces the clock used when an attribute map has no time.
func WithClock(now func() time.Time) Option {
	return func(t *Transformer) { t.now = now }
}

// Transformer synthesizes feature vectors from attribute maps.
// It is safe for concurrent use.
type Transformer struct {
	weights *WeightMatrix
	noise   func() float64
	now     func() time.Time
}

// NewTransformer creates a transformer bound to a fixed weight matrix.
func NewTransformer(weights *WeightMatrix, opts ...Option) *Transformer {
	t := &Transformer{
		weights: weights,
		noise:   uniformNoise,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func uniformNoise() float64 {
	return rand.Float64()*2*maxNoise - maxNoise
}

// Transform maps attrs to a FeatureVector of exactly FeatureCount entries.
func (t *Transformer) Transform(attrs map[string]any) (FeatureVector, error) {
	amount := max(numberAttr(attrs, "amount", 0), 0)

	elapsed := t.secondsOfDay()
	if _, ok := attrs["time"]; ok {
		elapsed = numberAttr(attrs, "time", 0)
	}

	fv := make(FeatureVector, 0, FeatureCount)
	fv = append(fv,
		Feature{Name: "Amount", Value: math.Log1p(amount)},
		Feature{Name: "Time", Value: clamp(elapsed/secondsPerDay, 0, 1)},
	)

	signals := ComputeSignals(attrs, elapsed)
	composite := signals[CompositeRisk]

	for i := 0; i < VectorCount; i++ {
		var weighted float64
		for j, name := range BaseSignals {
			weighted += signals[name] * t.weights.rows[i][j]
		}
		v := composite*(weighted/t.weights.sums[i])*vectorScaler + t.noise()
		fv = append(fv, Feature{Name: vectorName(i), Value: clamp(v, -1, 1)})
	}

	if len(fv) != FeatureCount {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrFeatureCount, FeatureCount, len(fv))
	}
	for _, f := range fv {
		if math.IsNaN(f.Value) || math.IsInf(f.Value, 0) {
			return nil, fmt.Errorf("%w: %s", ErrNonFinite, f.Name)
		}
	}
	return fv, nil
}

// ReverseTopSignals distributes each V score back over the base signals by
// weight share and returns the three largest accumulated contributions.
// Ties keep base signal order. Empty input yields nil.
func (t *Transformer) ReverseTopSignals(scores map[string]float64) []SignalContribution {
	if len(scores) == 0 {
		return nil
	}

	var acc [baseSignalCount]float64
	for i := 0; i < VectorCount; i++ {
		v, ok := scores[vectorName(i)]
		if !ok {
			continue
		}
		for j := range BaseSignals {
			acc[j] += (v / vectorScaler) * (t.weights.rows[i][j] / t.weights.sums[i])
		}
	}

	out := make([]SignalContribution, baseSignalCount)
	for j, name := range BaseSignals {
		out[j] = SignalContribution{Signal: name, Contribution: clamp(acc[j], 0, 1)}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].Contribution > out[b].Contribution
	})
	return out[:topSignalCount]
}

func (t *Transformer) secondsOfDay() float64 {
	now := t.now()
	return float64(now.Hour()*3600 + now.Minute()*60 + now.Second())
}

func vectorName(i int) string {
	return "V" + strconv.Itoa(i+1)
}
