package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"

	"calsync/internal/config"
	"calsync/internal/google"
	"calsync/internal/icloud"
	"calsync/internal/microsoft"
	"calsync/internal/models"
	"calsync/internal/provider"
	"calsync/internal/server"
	"calsync/internal/store"
	"calsync/internal/syncer"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "calsync",
		Usage: "Keep a local calendar in two-way sync with Google, Microsoft and iCloud calendars.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", EnvVars: []string{"CALSYNC_CONFIG"}, Usage: "Path to a TOML config file."},
		},
		Commands: []*cli.Command{
			authCommand(),
			syncCommand(),
			serveCommand(),
			deletionsCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, setupLogger(cfg.LogLevel), nil
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate with a Google account to get an API token.",
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger.Info("Starting Google authentication flow.")

			oauthConfig, err := google.GetOAuthConfigForAuthFlow(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.CredentialsFile)
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}

			authURL := oauthConfig.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			token, err := google.TokenFromWeb(c.Context, oauthConfig, authCode)
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}

			if err := google.SaveToken(cfg.Google.TokenFile, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}

			logger.Info("Successfully authenticated and saved token.", "file", cfg.Google.TokenFile)
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run the calendar synchronization process.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "once", Usage: "Run the sync cycle once and exit."},
			&cli.BoolFlag{Name: "dry-run", Usage: "Log what would be synced without making changes."},
			&cli.IntFlag{Name: "watch", Value: 300, Usage: "Run sync every N seconds. Overrides --once."},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			if c.Bool("dry-run") {
				logger.Info("Performing a dry run. No changes will be made.")
			}
			if c.IsSet("watch") {
				cfg.Sync.IntervalSeconds = c.Int("watch")
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			st, orch, err := buildOrchestrator(cfg, logger, c.Bool("dry-run"))
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			// --watch flag takes precedence
			if c.IsSet("watch") {
				logger.Info("Starting watcher.", "interval", cfg.Interval())
				orch.Start(ctx)
				<-ctx.Done()
				return shutdown(orch, logger)
			}

			logger.Info("Running a single sync cycle.")
			report, err := orch.RunCycleNow(ctx)
			if report != nil {
				printReport(report)
			}
			if err != nil {
				return fmt.Errorf("single sync cycle failed: %w", err)
			}
			return nil
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run auto-sync in the background and serve the control API.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "Listen address; overrides the config."},
			&cli.BoolFlag{Name: "autostart", Value: true, Usage: "Start auto-sync immediately."},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			if c.IsSet("addr") {
				cfg.HTTP.Addr = c.String("addr")
			}

			st, orch, err := buildOrchestrator(cfg, logger, false)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			handler, err := server.NewHTTPHandler(server.Dependencies{
				Controller:  orch,
				Deletions:   st,
				Logger:      logger,
				Context:     ctx,
				CORSOrigins: cfg.HTTP.CORSOrigins,
			})
			if err != nil {
				return fmt.Errorf("failed to build http handler: %w", err)
			}

			srv := &http.Server{
				Addr:              cfg.HTTP.Addr,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				logger.Info("Control API listening.", "addr", cfg.HTTP.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			if c.Bool("autostart") {
				orch.Start(ctx)
			}

			select {
			case <-ctx.Done():
			case err := <-errCh:
				if err != nil {
					_ = shutdown(orch, logger)
					return fmt.Errorf("http server failed: %w", err)
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("HTTP shutdown failed", "error", err)
			}
			return shutdown(orch, logger)
		},
	}
}

func deletionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "deletions",
		Usage: "List events removed by deletion reconciliation.",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "hours", Value: 24, Usage: "Look back this many hours."},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.Database.Path, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			since := time.Now().Add(-time.Duration(c.Int("hours")) * time.Hour)
			tombs, err := st.RecentTombstones(c.Context, since)
			if err != nil {
				return fmt.Errorf("failed to list deletions: %w", err)
			}
			if len(tombs) == 0 {
				fmt.Printf("No deletions in the last %d hours.\n", c.Int("hours"))
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DELETED AT\tPROVIDER\tORIGIN\tPROPAGATED\tSTART\tSUBJECT\tEXTERNAL ID")
			for _, t := range tombs {
				fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%s\t%s\t%s\n",
					t.DeletedAt.Local().Format(time.DateTime), t.Provider, t.Origin, t.Propagated,
					t.StartTime.Local().Format(time.DateTime), t.Subject, t.ExternalID)
			}
			return w.Flush()
		},
	}
}

func buildOrchestrator(cfg *config.Config, logger *slog.Logger, dryRun bool) (*store.Store, *syncer.Orchestrator, error) {
	providers, err := buildProviders(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return nil, nil, err
	}
	orch := syncer.New(logger, st, providers, syncer.Options{
		Interval:           cfg.Interval(),
		LookAheadDays:      cfg.Sync.LookAheadDays,
		Location:           cfg.Location(),
		DryRun:             dryRun,
		KeepRemoteOnDelete: !cfg.Sync.PropagateDeletes,
	})
	return st, orch, nil
}

func buildProviders(cfg *config.Config, logger *slog.Logger) ([]provider.Client, error) {
	var clients []provider.Client
	for _, name := range cfg.Sync.Providers {
		switch models.Provider(name) {
		case models.ProviderGoogle:
			clients = append(clients, google.NewClient(logger, google.Config{
				ClientID:        cfg.Google.ClientID,
				ClientSecret:    cfg.Google.ClientSecret,
				CredentialsFile: cfg.Google.CredentialsFile,
				TokenFile:       cfg.Google.TokenFile,
				CalendarID:      cfg.Google.CalendarID,
			}))
		case models.ProviderMicrosoft:
			clients = append(clients, microsoft.NewClient(logger, microsoft.Config{
				TenantID:     cfg.Microsoft.TenantID,
				ClientID:     cfg.Microsoft.ClientID,
				ClientSecret: cfg.Microsoft.ClientSecret,
				UserID:       cfg.Microsoft.UserID,
			}))
		case models.ProviderICloud:
			iClient, err := icloud.NewClient(logger, icloud.Config{
				Username:     cfg.ICloud.Username,
				Password:     cfg.ICloud.Password,
				CalendarName: cfg.ICloud.CalendarName,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create icloud client: %w", err)
			}
			clients = append(clients, iClient)
		}
	}
	logger.Info("Initialized calendar providers.", "count", len(clients), "providers", cfg.Sync.Providers)
	return clients, nil
}

func shutdown(orch *syncer.Orchestrator, logger *slog.Logger) error {
	logger.Info("Shutting down, waiting for the current cycle to finish.")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := orch.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown did not complete: %w", err)
	}
	return nil
}

func printReport(report *syncer.CycleReport) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tAVAILABLE\tFETCHED\tCREATED\tUPDATED\tUNCHANGED\tCONFLICTS\tDELETED\tPUSHED\tFAILED")
	for _, pr := range report.Providers {
		fmt.Fprintf(w, "%s\t%t\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			pr.Provider, pr.Available, pr.Fetched, pr.CreatedLocal, pr.UpdatedLocal, pr.Unchanged,
			pr.Conflicts, pr.DeletedLocal, pr.PushedCreated+pr.PushedUpdated, pr.Failed)
	}
	_ = w.Flush()
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
