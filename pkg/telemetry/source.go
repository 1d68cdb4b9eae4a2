// Package telemetry abstracts the scalar sensor the protocol carries upstream.
package telemetry

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Source yields one scalar sample per call. The protocol treats the value as
// opaque; units are the deployment's business.
type Source interface {
	Sample() float32
}

// Func adapts a plain function to a Source.
type Func func() float32

func (f Func) Sample() float32 { return f() }

// Constant returns a fixed-value source, handy in tests.
func Constant(v float32) Source { return Func(func() float32 { return v }) }

// Sim is a slow sine wave around Base with a little noise, standing in for a
// temperature probe on the bench.
type Sim struct {
	Base      float32
	Amplitude float32
	Period    time.Duration
	Noise     float32

	mu    sync.Mutex
	rng   *rand.Rand
	start time.Time
}

func NewSim(base, amplitude float32, period time.Duration) *Sim {
	return &Sim{
		Base:      base,
		Amplitude: amplitude,
		Period:    period,
		Noise:     0.1,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		start:     time.Now(),
	}
}

func (s *Sim) Sample() float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	phase := float64(time.Since(s.start)) / float64(s.Period) * 2 * math.Pi
	noise := (s.rng.Float32()*2 - 1) * s.Noise
	return s.Base + s.Amplitude*float32(math.Sin(phase)) + noise
}
