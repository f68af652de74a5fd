package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RezaEskandarii/firequeue/app"
	"github.com/RezaEskandarii/firequeue/client"
	"github.com/RezaEskandarii/firequeue/internal/logger"
	"github.com/RezaEskandarii/firequeue/jobmanager"
	"github.com/RezaEskandarii/firequeue/types"
	"github.com/RezaEskandarii/firequeue/types/config"
)

type sendSms struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

func (s *sendSms) Kind() string { return "send_sms" }

func (s *sendSms) Handle(ctx context.Context) error {
	slog.InfoContext(ctx, "sending sms", slog.String("to", s.To), slog.String("message", s.Message))
	return nil
}

func (s *sendSms) Timeout() time.Duration { return 10 * time.Second }

func main() {
	if err := run(); err != nil {
		slog.Error("firequeue stopped", logger.Error(err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log := logger.New(logger.WithLevel(level), logger.WithFormat(logger.Format(cfg.LogFormat)))
	slog.SetDefault(log)

	registry := config.NewJobHandler()
	if err := config.RegisterType[sendSms](registry); err != nil {
		return err
	}
	err = registry.RegisterFunc("daily_sales_report", func(ctx context.Context, data json.RawMessage) error {
		log.InfoContext(ctx, "generating daily sales report", slog.String("args", string(data)))
		return nil
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	container, err := jobmanager.New(ctx, cfg, registry, app.WithLogger(log))
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	defer func() {
		if err := container.Close(); err != nil {
			log.Error("shutdown", logger.Error(err))
		}
	}()

	if err := scheduleReports(ctx, container.Scheduler, cfg.Queues[0]); err != nil {
		log.Error("schedule reports", logger.Error(err))
	}
	return container.Run(ctx)
}

func scheduleReports(ctx context.Context, scheduler *client.Scheduler, queue string) error {
	job, err := types.NewJobFromPayload("daily_sales_report", map[string]string{"region": "west-canada"})
	if err != nil {
		return err
	}
	if _, err := scheduler.ScheduleRecurring(ctx, "daily-sales-report", queue, job, "0 0 * * *"); err != nil {
		return fmt.Errorf("daily sales report: %w", err)
	}
	return nil
}
