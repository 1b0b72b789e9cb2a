package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/xelth-com/healthsync/internal/remote"
)

// ErrNoSamples fails an analysis that has nothing to work on
var ErrNoSamples = errors.New("not enough samples")

// Sample is one measurement fed to an analyzer
type Sample struct {
	At    time.Time `json:"at"`
	Value float64   `json:"value"`
	Unit  string    `json:"unit,omitempty"`
}

// Analyzer computes a job result from samples
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, req remote.AnalysisRequest, samples []Sample) (json.RawMessage, error)
}

// Stats summarizes a series of samples
type Stats struct {
	EntityType  string    `json:"entityType,omitempty"`
	Count       int       `json:"count"`
	Mean        float64   `json:"mean"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	StdDev      float64   `json:"stddev"`
	SlopePerDay float64   `json:"slopePerDay"`
	Trend       string    `json:"trend"`
	Unit        string    `json:"unit,omitempty"`
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
}

// Trend labels
const (
	TrendRising  = "rising"
	TrendFalling = "falling"
	TrendFlat    = "flat"
)

// flatShare is the relative daily change below which a series counts as flat
const flatShare = 0.01

// StatsAnalyzer answers every job kind with descriptive statistics and a
// least-squares trend
type StatsAnalyzer struct{}

// Name implements Analyzer
func (StatsAnalyzer) Name() string { return "stats" }

// Analyze implements Analyzer
func (StatsAnalyzer) Analyze(ctx context.Context, req remote.AnalysisRequest, samples []Sample) (json.RawMessage, error) {
	st, err := ComputeStats(samples)
	if err != nil {
		return nil, err
	}
	st.EntityType = req.EntityType
	return json.Marshal(st)
}

// ComputeStats summarizes samples, which must be ordered by time
func ComputeStats(samples []Sample) (Stats, error) {
	if len(samples) == 0 {
		return Stats{}, ErrNoSamples
	}

	st := Stats{
		Count: len(samples),
		Min:   math.Inf(1),
		Max:   math.Inf(-1),
		Unit:  samples[0].Unit,
		From:  samples[0].At,
		To:    samples[len(samples)-1].At,
	}

	var sum float64
	for _, s := range samples {
		sum += s.Value
		st.Min = math.Min(st.Min, s.Value)
		st.Max = math.Max(st.Max, s.Value)
	}
	st.Mean = sum / float64(len(samples))

	var sq float64
	for _, s := range samples {
		d := s.Value - st.Mean
		sq += d * d
	}
	st.StdDev = math.Sqrt(sq / float64(len(samples)))

	st.SlopePerDay = slope(samples)
	st.Trend = trendOf(st.SlopePerDay, st.Mean)
	return st, nil
}

// slope fits value against days since the first sample
func slope(samples []Sample) float64 {
	if len(samples) < 2 {
		return 0
	}
	origin := samples[0].At
	var sx, sy, sxx, sxy float64
	n := float64(len(samples))
	for _, s := range samples {
		x := s.At.Sub(origin).Hours() / 24
		sx += x
		sy += s.Value
		sxx += x * x
		sxy += x * s.Value
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0
	}
	return (n*sxy - sx*sy) / den
}

func trendOf(slope, mean float64) string {
	scale := math.Abs(mean)
	if scale == 0 {
		scale = 1
	}
	switch {
	case slope > flatShare*scale:
		return TrendRising
	case slope < -flatShare*scale:
		return TrendFalling
	default:
		return TrendFlat
	}
}

// FormatStats renders stats for prompts and logs
func FormatStats(st Stats) string {
	return fmt.Sprintf("%d samples of %s from %s to %s: mean %.2f, min %.2f, max %.2f, stddev %.2f, slope %.3f %s/day (%s)",
		st.Count, st.EntityType, st.From.Format(time.RFC3339), st.To.Format(time.RFC3339),
		st.Mean, st.Min, st.Max, st.StdDev, st.SlopePerDay, st.Unit, st.Trend)
}
