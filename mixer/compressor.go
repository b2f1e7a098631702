package mixer

import (
	"math"
	"time"
)

// CompressorConfig mirrors the usual dynamics-compressor parameters.
type CompressorConfig struct {
	ThresholdDB float64
	KneeDB      float64
	Ratio       float64
	Attack      time.Duration
	Release     time.Duration
}

var DefaultCompressor = CompressorConfig{
	ThresholdDB: -24,
	KneeDB:      30,
	Ratio:       12,
	Attack:      3 * time.Millisecond,
	Release:     250 * time.Millisecond,
}

// compressor is a feed-forward peak compressor with a soft knee. It keeps
// the smoothed gain reduction in dB between calls.
type compressor struct {
	cfg     CompressorConfig
	attack  float64
	release float64
	reduce  float64
}

func newCompressor(cfg CompressorConfig, sampleRate uint32) *compressor {
	if cfg.Ratio < 1 {
		cfg.Ratio = 1
	}
	return &compressor{
		cfg:     cfg,
		attack:  smoothing(cfg.Attack, sampleRate),
		release: smoothing(cfg.Release, sampleRate),
	}
}

func smoothing(d time.Duration, sampleRate uint32) float64 {
	if d <= 0 || sampleRate == 0 {
		return 0
	}
	return math.Exp(-1 / (d.Seconds() * float64(sampleRate)))
}

// staticReduction returns the gain reduction in dB for an input level.
func (c *compressor) staticReduction(levelDB float64) float64 {
	t, w, r := c.cfg.ThresholdDB, c.cfg.KneeDB, c.cfg.Ratio
	over := levelDB - t
	var out float64
	switch {
	case 2*over < -w:
		out = levelDB
	case w > 0 && 2*math.Abs(over) <= w:
		k := over + w/2
		out = levelDB + (1/r-1)*k*k/(2*w)
	default:
		out = t + over/r
	}
	return levelDB - out
}

// process compresses one sample in [-1, 1].
func (c *compressor) process(x float64) float64 {
	level := math.Abs(x)
	if level < 1e-9 {
		level = 1e-9
	}
	target := c.staticReduction(20 * math.Log10(level))
	coef := c.release
	if target > c.reduce {
		coef = c.attack
	}
	c.reduce = coef*c.reduce + (1-coef)*target
	return x * math.Pow(10, -c.reduce/20)
}
