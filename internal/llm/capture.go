package llm

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"
)

// UsageEvent is what the capture sink records for one oracle call.
type UsageEvent struct {
	Operation        string        `json:"operation"`
	Model            string        `json:"model"`
	Prompt           string        `json:"prompt"`
	Output           string        `json:"output"`
	Latency          time.Duration `json:"latency"`
	PromptTokens     int64         `json:"prompt_tokens"`
	CompletionTokens int64         `json:"completion_tokens"`
	Error            string        `json:"error,omitempty"`
	SampleRate       float64       `json:"sample_rate"`
	OccurredAt       time.Time     `json:"occurred_at"`
}

// UsageSink stores usage events.
type UsageSink interface {
	Record(ctx context.Context, ev UsageEvent) error
}

// CapturingOracle wraps an Oracle and records a sampled share of calls.
// Sink failures are logged and never change the call's result.
type CapturingOracle struct {
	inner      Oracle
	sink       UsageSink
	sampleRate float64
	logger     *log.Logger

	mu     sync.Mutex
	sample func() float64
}

// NewCapturingOracle wraps inner. sampleRate is clamped to [0,1]; 0 disables
// capture and 1 records every call.
func NewCapturingOracle(inner Oracle, sink UsageSink, sampleRate float64, logger *log.Logger) *CapturingOracle {
	if sampleRate < 0 {
		sampleRate = 0
	}
	if sampleRate > 1 {
		sampleRate = 1
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[USAGE] ", log.LstdFlags)
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &CapturingOracle{inner: inner, sink: sink, sampleRate: sampleRate, logger: logger, sample: rng.Float64}
}

// NewUsageOracle counts every call on metrics and records a sampled share,
// prompts included, on persist. Either sink may be nil.
func NewUsageOracle(inner Oracle, metrics, persist UsageSink, sampleRate float64, logger *log.Logger) *CapturingOracle {
	if metrics != nil {
		inner = NewCapturingOracle(inner, metrics, 1, logger)
	}
	return NewCapturingOracle(inner, persist, sampleRate, logger)
}

// WithSampler replaces the random source, for deterministic tests.
func (c *CapturingOracle) WithSampler(fn func() float64) *CapturingOracle {
	c.mu.Lock()
	c.sample = fn
	c.mu.Unlock()
	return c
}

// SampleRate returns the configured rate.
func (c *CapturingOracle) SampleRate() float64 { return c.sampleRate }

func (c *CapturingOracle) shouldCapture() bool {
	if c.sink == nil || c.sampleRate <= 0 {
		return false
	}
	if c.sampleRate >= 1 {
		return true
	}
	c.mu.Lock()
	v := c.sample()
	c.mu.Unlock()
	return v < c.sampleRate
}

func (c *CapturingOracle) Generate(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	resp, err := c.inner.Generate(ctx, req)
	if !c.shouldCapture() {
		return resp, err
	}
	ev := UsageEvent{
		Operation:        req.Operation,
		Model:            resp.Model,
		Prompt:           PromptText(req.Messages),
		Output:           string(resp.Raw),
		Latency:          time.Since(start),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		SampleRate:       c.sampleRate,
		OccurredAt:       start.UTC(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	if serr := c.sink.Record(ctx, ev); serr != nil {
		c.logger.Printf("usage capture failed for %s: %v", req.Operation, serr)
	}
	return resp, err
}
