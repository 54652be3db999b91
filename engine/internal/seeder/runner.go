package seeder

import (
	"context"
	"log/slog"
	"time"

	"github.com/merlinhq/merlin/common/logging"
	"github.com/merlinhq/merlin/engine/internal/client"
)

// Poster delivers a webhook to the engine.
type Poster interface {
	PostWebhook(ctx context.Context, source, tenant string, body []byte, headers map[string]string) (*client.Accepted, error)
}

// Result counts what a run delivered.
type Result struct {
	Sent     int
	Failed   int
	BySource map[string]int
	EventIDs []string
}

// Runner sends Count webhooks, cycling through the configured sources.
type Runner struct {
	Config    *Config
	Poster    Poster
	Generator *Generator
	Logger    *slog.Logger
}

func NewRunner(config *Config, poster Poster, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		Config:    config,
		Poster:    poster,
		Generator: NewGenerator(config.Defaults.Seed, config.Secrets, config.Defaults.ProjectKey),
		Logger:    logger.With(logging.Component("seeder")),
	}
}

// Run executes the seeding process. It stops early when ctx ends.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	d := r.Config.Defaults
	res := Result{BySource: make(map[string]int)}

	r.Logger.Info("starting webhook seeder",
		slog.String("engine_url", d.EngineURL),
		slog.Int("count", d.Count),
		slog.Any("sources", d.Sources),
		slog.Duration("interval", d.Interval),
	)

	for i := 0; i < d.Count; i++ {
		if i > 0 && d.Interval > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(d.Interval):
			}
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		source := d.Sources[i%len(d.Sources)]
		hook, err := r.Generator.Next(source)
		if err != nil {
			return res, err
		}
		accepted, err := r.Poster.PostWebhook(ctx, source, d.TenantID, hook.Body, hook.Headers)
		if err != nil {
			res.Failed++
			r.Logger.Warn("webhook rejected", slog.String("source", source), logging.Error(err))
			continue
		}
		res.Sent++
		res.BySource[source]++
		if accepted.EventID != "" {
			res.EventIDs = append(res.EventIDs, accepted.EventID)
		}
	}

	r.Logger.Info("seeding complete", slog.Int("sent", res.Sent), slog.Int("failed", res.Failed))
	return res, nil
}
