package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/config"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/actions"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/comms"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/execution"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/llm"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/lock"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/pipeline"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/queue/streams"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/retry"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/runtime"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/store"
)

// app holds every long-lived dependency of one process.
type app struct {
	cfg       *config.Config
	store     *store.Store
	rdb       *redis.Client
	telemetry *runtime.Telemetry
	pipeline  *pipeline.Service
	executor  *execution.Service
	closers   []func() error
}

type appOptions struct {
	serveMetrics bool
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	tele, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{
		ServiceName:    "dealflow",
		ServiceVersion: version,
		ServeMetrics:   opts.serveMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.telemetry = tele

	st, err := store.New(ctx, cfg.Storage.Postgres)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	a.store = st
	a.closers = append(a.closers, st.Close)

	if cfg.Storage.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:        cfg.Storage.Redis.Addr(),
			Password:    cfg.Storage.Redis.Password,
			DB:          cfg.Storage.Redis.DB,
			ReadTimeout: cfg.Storage.Redis.Timeout,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
		}
		a.rdb = rdb
		a.closers = append(a.closers, rdb.Close)
	}

	pub, err := a.publisher()
	if err != nil {
		return nil, err
	}
	notifier := comms.NewStreamNotifier(pub, cfg.Streams.ActionsStream, nil)

	oracle, err := a.oracle()
	if err != nil {
		return nil, err
	}

	registry := actions.Default(actions.Deps{
		Oracle:        oracle,
		Mailer:        comms.NewStreamMailer(pub, cfg.Streams.MailStream),
		Calendar:      comms.NewStreamCalendar(pub, cfg.Streams.CalendarStream),
		Fetcher:       actions.NewReadabilityFetcher(cfg.Pipeline.LookupFetchTimeout),
		MinConfidence: cfg.Pipeline.LookupMinConfidence,
		FetchTimeout:  cfg.Pipeline.LookupFetchTimeout,
	})

	var locker pipeline.Locker
	if a.rdb != nil {
		locker = lock.New(a.rdb, retry.NoDelay(1), nil)
	}
	a.pipeline = pipeline.NewService(st, oracle, registry, pipeline.Options{
		Limits: pipeline.Limits{
			ActivitiesPerKind: cfg.Pipeline.ActivitiesPerKind,
			FutureEvents:      cfg.Pipeline.FutureEvents,
		},
		MaxActions:       cfg.Pipeline.MaxActions,
		ProposalPolicy:   policyFrom(cfg.Pipeline.Proposal),
		EvaluationPolicy: policyFrom(cfg.Pipeline.Evaluation),
		Notifier:         notifier,
		Locker:           locker,
		LockTTL:          cfg.Pipeline.LockTTL,
	})
	a.executor = execution.NewService(st, registry, notifier, time.Now)
	ok = true
	return a, nil
}

func (a *app) publisher() (streams.Publisher, error) {
	reg := streams.NewSchemaRegistry()
	if err := streams.RegisterBaseSchemas(reg); err != nil {
		return nil, err
	}
	switch a.cfg.Streams.Backend {
	case "redis":
		if a.rdb == nil {
			return nil, fmt.Errorf("streams.backend redis requires storage.redis.host")
		}
		return streams.NewRedisPublisher(a.rdb, reg, streams.WithMaxLenApprox(a.cfg.Streams.MaxLen)), nil
	case "kafka":
		kp := streams.NewKafkaPublisher(a.cfg.Streams.KafkaBrokers, a.cfg.Streams.KafkaTopic, reg)
		a.closers = append(a.closers, kp.Close)
		return kp, nil
	default:
		log.Printf("[APP] streams backend %q: provider commands and lifecycle events are discarded", a.cfg.Streams.Backend)
		return streams.Discard{}, nil
	}
}

func (a *app) oracle() (llm.Oracle, error) {
	base, err := llm.NewOracle(a.cfg.LLM)
	if err != nil {
		return nil, err
	}
	if !a.cfg.Usage.Enabled {
		return base, nil
	}
	metricsSink, err := llm.NewMetricsSink(otel.Meter("dealflow/internal/llm"))
	if err != nil {
		return nil, err
	}
	var persist llm.UsageSink
	if a.cfg.Usage.PersistPrompts {
		persist = store.UsageSink{Store: a.store}
	}
	return llm.NewUsageOracle(base, metricsSink, persist, a.cfg.Usage.SampleRate, nil), nil
}

func policyFrom(rc config.RetryConfig) retry.Policy {
	if rc.Multiplier > 1 {
		return retry.Exponential(rc.MaxAttempts, rc.Delay, rc.MaxDelay, rc.Multiplier)
	}
	return retry.Fixed(rc.MaxAttempts, rc.Delay)
}

// Close releases connections in reverse order and flushes telemetry.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Printf("[APP] close: %v", err)
		}
	}
	a.closers = nil
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.telemetry.Shutdown(ctx); err != nil {
			log.Printf("[APP] telemetry shutdown: %v", err)
		}
	}
}

// withApp loads config, builds the app and runs fn.
func withApp(ctx context.Context, cfgPath string, opts appOptions, fn func(ctx context.Context, a *app) error) error {
	cfg := config.LoadConfig(cfgPath)
	a, err := newApp(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
