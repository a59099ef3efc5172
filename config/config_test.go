package config

import (
	"testing"
	"time"
)

func TestPipelineNormalize(t *testing.T) {
	norm := PipelineConfig{}.Normalize()
	if norm.ActivitiesPerKind != 15 {
		t.Fatalf("expected 15 activities per kind, got %d", norm.ActivitiesPerKind)
	}
	if norm.FutureEvents != 20 {
		t.Fatalf("expected 20 future events, got %d", norm.FutureEvents)
	}
	if norm.MaxActions != 5 {
		t.Fatalf("expected 5 max actions, got %d", norm.MaxActions)
	}
	if norm.Proposal.MaxAttempts != 5 || norm.Proposal.Delay != 500*time.Millisecond {
		t.Fatalf("unexpected proposal retry defaults %#v", norm.Proposal)
	}
	if norm.LookupMinConfidence != 0.5 {
		t.Fatalf("expected lookup confidence 0.5, got %.2f", norm.LookupMinConfidence)
	}

	custom := PipelineConfig{ActivitiesPerKind: 3, Proposal: RetryConfig{MaxAttempts: 2, Delay: time.Second}}.Normalize()
	if custom.ActivitiesPerKind != 3 || custom.Proposal.MaxAttempts != 2 || custom.Proposal.Delay != time.Second {
		t.Fatalf("explicit values must survive normalize: %#v", custom)
	}
}

func TestPipelineValidate(t *testing.T) {
	if err := (PipelineConfig{MaxActions: 6}).Validate(); err == nil {
		t.Fatalf("expected max_actions bound error")
	}
	if err := (PipelineConfig{LookupMinConfidence: 1.5}).Validate(); err == nil {
		t.Fatalf("expected confidence bound error")
	}
	if err := (PipelineConfig{}.Normalize()).Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestUsageValidate(t *testing.T) {
	if err := (UsageConfig{SampleRate: 0.25}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := (UsageConfig{SampleRate: 2}).Validate(); err == nil {
		t.Fatalf("expected sample rate error")
	}
}

func TestSchedulerValidate(t *testing.T) {
	if err := (SchedulerConfig{Enabled: true, Cron: "*/15 * * * *"}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := (SchedulerConfig{Enabled: true, Cron: "not a cron"}).Validate(); err == nil {
		t.Fatalf("expected cron parse error")
	}
	if err := (SchedulerConfig{Cron: "not a cron"}).Validate(); err != nil {
		t.Fatalf("disabled scheduler must not validate cron: %v", err)
	}
}

func TestStreamsNormalizeAndValidate(t *testing.T) {
	s := StreamsConfig{Backend: " Kafka "}.Normalize()
	if s.Backend != "kafka" || s.ActionsStream != "dealflow.actions" || s.KafkaTopic != "dealflow.actions" {
		t.Fatalf("unexpected normalized streams %#v", s)
	}
	if err := s.Validate(); err == nil {
		t.Fatalf("expected brokers error")
	}
	s.KafkaBrokers = []string{"localhost:9092"}
	if err := s.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{Host: "db", User: "u", Password: "p", DBName: "deals"}
	if got := p.DSN(); got != "postgres://u:p@db:5432/deals?sslmode=disable" {
		t.Fatalf("unexpected dsn %s", got)
	}
	p.URL = "postgres://override"
	if p.DSN() != "postgres://override" {
		t.Fatalf("url must take precedence")
	}
}

func TestLLMValidateRoutes(t *testing.T) {
	cfg := LLMConfig{
		Providers: map[string]LLMProvider{"openai": {Type: "openai", Models: map[string]LLMModel{"smart": {Name: "gpt"}}}},
		Routing:   LLMRoutingConfig{Proposal: "smart", Fallback: "smart"},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.Routing.Evaluation = "missing"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown model error")
	}
}
