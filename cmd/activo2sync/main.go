package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"activo2sync/internal/activo2"
	"activo2sync/internal/config"
	"activo2sync/internal/coordinator"
	appLog "activo2sync/internal/log"
	"activo2sync/internal/web"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	envFile    string
	listen     string
	once       bool
}

func main() {
	flags := parseFlags()

	if err := config.LoadEnvFile(flags.envFile); err != nil {
		appLog.Error("failed to load env file", err, "env_file", flags.envFile)
		os.Exit(1)
	}

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	conf.ApplyEnv()

	// CLI --listen overrides config file and environment.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	endpoints := conf.ResolvedEndpoints()
	appLog.Info("activo2sync starting",
		"listen", conf.Listen,
		"environment", conf.Environment,
		"refresh", conf.RefreshCron,
		"http_timeout", conf.HTTPTimeout(),
		"accounts", len(conf.Accounts),
		"once", flags.once,
	)

	client := activo2.NewClient(endpoints, &http.Client{Timeout: conf.HTTPTimeout()})

	coords := make([]*coordinator.Coordinator, 0, len(conf.Accounts))
	for _, acc := range conf.Accounts {
		c, err := coordinator.New(client, coordinator.Options{
			Name:     acc.Name,
			Username: acc.Username,
			Password: acc.Password,
			Schedule: conf.RefreshCron,
		})
		if err != nil {
			appLog.Error("failed to create coordinator", err, "account", acc.Name)
			os.Exit(1)
		}
		coords = append(coords, c)
	}

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if flags.once {
		if err := runOnce(ctx, coords); err != nil {
			appLog.Error("refresh failed", err)
			os.Exit(1)
		}
		return
	}

	if err := run(ctx, conf, client, coords); err != nil {
		appLog.Error("activo2sync exiting with error", err)
		os.Exit(1)
	}
	appLog.Info("activo2sync exiting")
}

// runOnce refreshes every account once and prints a summary line per
// account.
func runOnce(ctx context.Context, coords []*coordinator.Coordinator) error {
	var errs []error
	for _, c := range coords {
		if err := c.RefreshNow(ctx); err != nil {
			errs = append(errs, fmt.Errorf("account %s: %w", c.Name(), err))
			continue
		}
		snap := c.Snapshot()
		fmt.Printf("%s\t%s\t%s\tworkshifts=%d\ttasks=%d\toffset=%s\n",
			c.Name(),
			snap.UserInfo.FullName(),
			snap.UserInfo.EmployeeNumber(),
			len(snap.WorkShifts),
			len(snap.Tasks),
			snap.UTCOffset,
		)
	}
	return errors.Join(errs...)
}

// run performs the first refresh of every account, starts their schedules
// and serves HTTP until ctx is canceled.
func run(ctx context.Context, conf *config.Config, client *activo2.Client, coords []*coordinator.Coordinator) error {
	var wg sync.WaitGroup
	for _, c := range coords {
		wg.Add(1)
		go func(c *coordinator.Coordinator) {
			defer wg.Done()
			if err := c.RefreshNow(ctx); err != nil {
				if errors.Is(err, activo2.ErrAuthentication) {
					appLog.Error("credentials rejected; check the account configuration", err, "account", c.Name())
				}
				// Other failures are retried on schedule.
			}
		}(c)
	}
	wg.Wait()

	accounts := make([]web.Account, 0, len(coords))
	for _, c := range coords {
		if err := c.Start(ctx); err != nil {
			return err
		}
		defer c.Stop()
		accounts = append(accounts, c)
	}

	srv := web.NewServer(conf, accounts, client)
	return srv.StartServer(ctx)
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/activo2sync/config.yaml", "Path to config file")
	flag.StringVar(&cfg.envFile, "env-file", ".env", "Optional dotenv file with ACTIVO2_* variables")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Refresh every account once, print a summary and exit")

	flag.Parse()

	return cfg
}
