package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/civicsignal/billwatch/config"
	"github.com/civicsignal/billwatch/internal/congress"
	"github.com/civicsignal/billwatch/internal/notify"
	"github.com/civicsignal/billwatch/internal/pipeline"
	"github.com/civicsignal/billwatch/internal/queue/streams"
	"github.com/civicsignal/billwatch/internal/store"
	openai "github.com/civicsignal/billwatch/provider/openai"
)

// Run starts the HTTP server exposing the stage trigger endpoints.
func Run(cfg *appconfig.Config, addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	_ = Migrate("file://migrations", cfg.Storage.Postgres.DSN(), "up", 0)

	ctx := context.Background()
	runner, rdb, err := buildRunner(ctx, cfg)
	if err != nil {
		return err
	}

	ph := &PipelineHandler{Runner: runner}
	ph.Register(e.Group("/api/pipeline"))

	sched := &Scheduler{
		Runner:   runner,
		Rdb:      rdb,
		CronSpec: cfg.Pipeline.CollectorCron,
		Stop:     make(chan struct{}),
		Logger:   log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
	}
	sched.Start()

	if addr == "" {
		addr = cfg.General.Listen
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

// RunOnce drives a full pipeline pass from the given stage and exits. Used by
// the CLI run command.
func RunOnce(cfg *appconfig.Config, stage pipeline.Stage) error {
	ctx := context.Background()
	runner, rdb, err := buildRunner(ctx, cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	summaries, err := runner.Run(ctx, stage)
	for _, s := range summaries {
		log.Printf("[%s] processed=%d updated=%d deleted=%d discarded=%d quarantined=%d requests=%d remaining=%d failed=%d",
			s.Stage, s.Processed, s.Updated, s.Deleted, s.Discarded, s.Quarantined, s.Requests, s.Remaining, len(s.Failed))
	}
	return err
}

// buildRunner wires stores, queue, clients and stages into a pipeline runner
// (top-level DI).
func buildRunner(ctx context.Context, cfg *appconfig.Config) (*pipeline.Runner, *redis.Client, error) {
	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
	if err != nil {
		return nil, nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, nil, fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
	}

	queue, err := streams.NewBillQueue(ctx, rdb, "fetcher-1", cfg.Pipeline.LeaseTTL)
	if err != nil {
		return nil, nil, err
	}

	source := congress.NewClient(cfg.Congress.Endpoint, cfg.Congress.APIKey, cfg.Congress.PageSize, cfg.Congress.Timeout)
	model := openai.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.CompletionModel, cfg.OpenAI.EmbeddingModel,
		cfg.OpenAI.Temperature, cfg.OpenAI.MaxTokens, cfg.OpenAI.Timeout)
	notifier := notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID, nil)

	stages := []pipeline.StageRunner{
		&pipeline.Collector{
			Store: st, Source: source, Queue: queue, Notifier: notifier,
			Logger: log.New(log.Writer(), "[COLLECT] ", log.LstdFlags),
		},
		&pipeline.Fetcher{
			Store: st, Source: source, Queue: queue, Notifier: notifier,
			Logger:        log.New(log.Writer(), "[FETCH] ", log.LstdFlags),
			BatchSize:     cfg.Pipeline.FetchBatchSize,
			DailyQuota:    cfg.Pipeline.DailyQuota,
			MaxDeliveries: cfg.Pipeline.MaxDeliveries,
			TopicSubjects: cfg.Pipeline.TopicSubjects,
		},
		&pipeline.Categorizer{
			Store: st, Classifier: model,
			Logger:           log.New(log.Writer(), "[CATEGORIZE] ", log.LstdFlags),
			BatchSize:        cfg.Pipeline.ModelBatchSize,
			Categories:       cfg.Pipeline.Categories,
			SummaryMaxLength: cfg.Pipeline.SummaryMaxLength,
		},
		&pipeline.Embedder{
			Store: st, Model: model,
			Logger:           log.New(log.Writer(), "[EMBED] ", log.LstdFlags),
			BatchSize:        cfg.Pipeline.ModelBatchSize,
			SummaryMaxLength: cfg.Pipeline.SummaryMaxLength,
		},
		&pipeline.Scorer{
			Store: st, Notifier: notifier,
			Logger:    log.New(log.Writer(), "[SCORE] ", log.LstdFlags),
			BatchSize: cfg.Pipeline.ModelBatchSize,
		},
	}

	runner := pipeline.NewRunner(stages, notifier,
		log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags), cfg.Pipeline.MaxInvocations)
	return runner, rdb, nil
}
