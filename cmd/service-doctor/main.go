package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/jackc/pgx/v5"
	"github.com/twmb/franz-go/pkg/kgo"

	"mystery-box-service/internal/adapters/analytics/clickhouse"
	"mystery-box-service/internal/adapters/storage/postgres"
	"mystery-box-service/internal/adapters/storage/redis"
	"mystery-box-service/internal/config"
	"mystery-box-service/internal/core/domain"
	"mystery-box-service/internal/observability"
)

// errSkipped marks a dependency the config does not use.
var errSkipped = errors.New("not configured")

// Check describes one diagnostic check
type Check struct {
	Name     string
	Func     func(ctx context.Context) error
	Error    error
	Duration time.Duration
}

func main() {
	logger := observability.SetupLogger("development")
	cfg, err := config.Load(config.Path())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	checks := []Check{
		{Name: "Mystery Box API", Func: func(ctx context.Context) error {
			return checkHTTPHealth(ctx, "localhost"+cfg.Server.Port+"/health", logger)
		}},
		{Name: "PostgreSQL", Func: func(ctx context.Context) error {
			if cfg.App.Store != "postgres" {
				return errSkipped
			}
			return checkPostgres(ctx, cfg.Postgres.DSN, logger)
		}},
		{Name: "Box catalog", Func: func(ctx context.Context) error {
			if cfg.App.CatalogFile == "" {
				return errSkipped
			}
			return checkCatalog(ctx, cfg)
		}},
		{Name: "Redis", Func: func(ctx context.Context) error {
			if cfg.Redis.Addr == "" {
				return errSkipped
			}
			rdb, err := redis.NewClient(ctx, cfg.Redis.Addr)
			if err != nil {
				return err
			}
			return rdb.Close()
		}},
		{Name: "Kafka Cluster", Func: func(ctx context.Context) error {
			if cfg.Kafka.BootstrapServers == "" {
				return errSkipped
			}
			return checkKafka(ctx, strings.Split(cfg.Kafka.BootstrapServers, ","))
		}},
		{Name: "ClickHouse", Func: func(ctx context.Context) error {
			if cfg.ClickHouse.Addr == "" {
				return errSkipped
			}
			conn, err := clickhouse.Connect(ctx, cfg.ClickHouse)
			if err != nil {
				return err
			}
			return conn.Close()
		}},
		{Name: "OIDC Provider", Func: func(ctx context.Context) error {
			if cfg.OIDC.URL == "" {
				return errSkipped
			}
			return checkHTTPHealth(ctx, strings.TrimSuffix(cfg.OIDC.URL, "/")+"/.well-known/openid-configuration", logger)
		}},
	}

	var wg sync.WaitGroup
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	fmt.Println("Running dependency diagnostics...")

	for i := range checks {
		wg.Add(1)
		go func(c *Check) {
			defer wg.Done()
			start := time.Now()
			c.Error = c.Func(ctx)
			c.Duration = time.Since(start)
		}(&checks[i])
	}

	wg.Wait()

	ok := color.New(color.FgGreen).SprintFunc()
	skipped := color.New(color.FgYellow).SprintFunc()
	failed := color.New(color.FgRed, color.Bold).SprintFunc()

	fmt.Println("\n--- Diagnostics report ---")
	hasErrors := false
	for _, c := range checks {
		switch {
		case c.Error == nil:
			fmt.Printf("[%s] %-20s (%v)\n", ok("OK"), c.Name, c.Duration.Round(time.Millisecond))
		case errors.Is(c.Error, errSkipped):
			fmt.Printf("[%s] %-20s\n", skipped("SKIP"), c.Name)
		default:
			hasErrors = true
			fmt.Printf("[%s] %-20s (%v) - %v\n", failed("FAIL"), c.Name, c.Duration.Round(time.Millisecond), c.Error)
		}
	}

	if hasErrors {
		fmt.Println("\nDiagnostics found problems.")
		os.Exit(1)
	}
	fmt.Println("\nAll systems healthy.")
}

// --- Functions for checks ---

func checkHTTPHealth(ctx context.Context, url string, logger *slog.Logger) error {
	if !strings.HasPrefix(url, "http") {
		url = "http://" + url
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Error("failed to close HTTP response body", "error", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}
	return nil
}

func checkPostgres(ctx context.Context, dsn string, logger *slog.Logger) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}

	defer func() {
		if err := conn.Close(ctx); err != nil {
			logger.Error("failed to close Postgres connection", "error", err)
		}
	}()
	return conn.Ping(ctx)
}

// checkCatalog validates the catalog file and, for the Postgres store, that
// every active box in it is published and purchasable.
func checkCatalog(ctx context.Context, cfg *config.Config) error {
	catalog, err := config.LoadCatalog(cfg.App.CatalogFile)
	if err != nil {
		return err
	}
	if cfg.App.Store != "postgres" {
		return nil
	}

	repo, err := postgres.NewRepository(ctx, cfg.Postgres.DSN, cfg.Postgres.Isolation)
	if err != nil {
		return err
	}
	defer repo.Close()

	var missing []string
	for _, box := range catalog.Boxes {
		if !box.Active {
			continue
		}
		if _, err := repo.GetActiveBox(ctx, box.ID); err != nil {
			if !errors.Is(err, domain.ErrBoxNotFound) {
				return err
			}
			missing = append(missing, box.ID)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("boxes not published: %s", strings.Join(missing, ", "))
	}
	return nil
}

func checkKafka(ctx context.Context, brokers []string) error {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DialTimeout(5*time.Second),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	// Ping checks that at least one broker answers.
	return client.Ping(ctx)
}
