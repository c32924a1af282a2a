package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"

	"plansync/internal/apply"
	"plansync/internal/extcal"
	"plansync/internal/google"
	"plansync/internal/gsync"
	"plansync/internal/planner"
	"plansync/internal/queue"
	"plansync/internal/replan"
	"plansync/internal/server"
	"plansync/internal/store"
	"plansync/internal/sweep"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "plansync",
		Usage: "Calendar scheduling preparation and incremental sync engine.",
		Commands: []*cli.Command{
			authCommand(),
			syncCommand(),
			planCommand(),
			serveCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate with a Google account to get an API token.",
		Action: func(c *cli.Context) error {
			logger := setupLogger("info")
			logger.Info("Starting Google authentication flow.")

			config, err := google.GetOAuthConfigForAuthFlow(os.Getenv("GOOGLE_CLIENT_ID"), os.Getenv("GOOGLE_CLIENT_SECRET"))
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}

			authURL := config.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			token, err := google.TokenFromWeb(config, authCode)
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}

			fmt.Print("Enter a name for this account (e.g., 'personal', 'work'): ")
			accountName, _ := reader.ReadString('\n')
			accountName = strings.TrimSpace(accountName)
			tokenFile := "token-" + accountName + ".json"

			if err := google.SaveToken(tokenFile, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}

			logger.Info("Successfully authenticated and saved token.", "file", tokenFile)
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Pull calendar changes into the internal mirror.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "full", Usage: "Discard sync tokens and run a full resync."},
			&cli.IntFlag{Name: "watch", Usage: "Run a pull every N seconds instead of once."},
		},
		Action: func(c *cli.Context) error {
			logger := setupLogger(envOr("LOG_LEVEL", "info"))
			st := store.NewMemory()

			engines, err := buildEngines(c.Context, st, logger)
			if err != nil {
				return err
			}

			runOnce := func(ctx context.Context) error {
				for account, ae := range engines {
					if c.Bool("full") {
						cals, err := st.ListCalendarsForUser(ctx, account)
						if err != nil {
							return fmt.Errorf("failed to list calendars for %s: %w", account, err)
						}
						for _, cal := range cals {
							if err := ae.engine.FullSync(ctx, account, cal.ID); err != nil {
								logger.Error("Full sync failed", "account", account, "calendarId", cal.ID, "error", err)
							}
						}
						continue
					}
					batch := ae.engine.SyncAll(ctx, account)
					for _, ie := range batch.Encountered {
						logger.Error("Calendar pull failed", "account", account, "calendarId", ie.Key, "error", ie.Err)
					}
				}
				return nil
			}

			if c.IsSet("watch") {
				interval := time.Duration(c.Int("watch")) * time.Second
				logger.Info("Starting watcher.", "interval", interval)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for ; true; <-ticker.C {
					if err := runOnce(c.Context); err != nil {
						logger.Error("Sync cycle failed", "error", err)
					}
				}
				return nil
			}

			logger.Info("Running a single sync cycle.")
			return runOnce(c.Context)
		},
	}
}

func planCommand() *cli.Command {
	return &cli.Command{
		Name:  "plan",
		Usage: "Submit a meeting assist to the solver.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "meeting", Required: true, Usage: "Meeting assist id to plan."},
		},
		Action: func(c *cli.Context) error {
			logger := setupLogger(envOr("LOG_LEVEL", "info"))
			st := store.NewMemory()

			plannerURL := os.Getenv("PLANNER_URL")
			if plannerURL == "" {
				return fmt.Errorf("PLANNER_URL environment variable not set")
			}

			solver := planner.NewClient(plannerURL, logger)
			fetcher := extcal.NewFetcher(nil, logger)
			orch, err := replan.NewOrchestrator(st, solver, fetcher, os.Getenv("PLANNER_CALLBACK_URL"), logger)
			if err != nil {
				return fmt.Errorf("failed to create orchestrator: %w", err)
			}

			run, err := orch.Replan(c.Context, c.String("meeting"), replan.NewConstraints{})
			if err != nil {
				return fmt.Errorf("plan submission failed (state %s): %w", run.State, err)
			}
			logger.Info("Plan submitted", "meetingId", c.String("meeting"), "state", string(run.State), "singletonId", run.SingletonID)
			return nil
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the webhook, callback and trigger HTTP server.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: ":8080", Usage: "Listen address."},
		},
		Action: func(c *cli.Context) error {
			logger := setupLogger(envOr("LOG_LEVEL", "info"))
			st := store.NewMemory()

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			engines, err := buildEngines(ctx, st, logger)
			if err != nil {
				return err
			}
			account, eng, client, err := primaryEngine(engines)
			if err != nil {
				return err
			}

			applier := apply.NewApplier(st, client, logger)
			solver := planner.NewClient(os.Getenv("PLANNER_URL"), logger)
			fetcher := extcal.NewFetcher(nil, logger)
			orch, err := replan.NewOrchestrator(st, solver, fetcher, os.Getenv("PLANNER_CALLBACK_URL"), logger)
			if err != nil {
				return fmt.Errorf("failed to create orchestrator: %w", err)
			}
			// Pulls landing new events must drop cached availability.
			for _, ae := range engines {
				ae.engine.Invalidator = orch
			}

			q := queue.NewInProcess(256, 4, logger)
			sweeper := sweep.NewSweeper(st, applier, logger)
			go func() {
				if err := q.Run(ctx, func(jctx context.Context, job queue.Job) error {
					switch job.Kind {
					case queue.KindFeatureSweep:
						batch, err := sweeper.RunForUser(jctx, job.UserID, job.Date)
						if err != nil {
							return err
						}
						return batch.Err()
					case queue.KindCalendarPull:
						if job.ChannelID != "" {
							return eng.HandleWebhook(jctx, job.ChannelID, job.ResourceState)
						}
						return eng.IncrementalPull(jctx, job.UserID, job.CalendarID)
					default:
						return fmt.Errorf("unknown job kind %q", job.Kind)
					}
				}); err != nil {
					logger.Error("Queue stopped", "error", err)
				}
			}()

			// Register push channels so webhooks flow while serving.
			cals, err := st.ListCalendarsForUser(ctx, account)
			if err != nil {
				return fmt.Errorf("failed to list calendars: %w", err)
			}
			for _, cal := range cals {
				if err := eng.EnsureWatch(ctx, account, cal.ID); err != nil {
					logger.Warn("Failed to register watch channel", "calendarId", cal.ID, "error", err)
				}
			}

			srv := server.New(eng, applier, orch, st, q, logger)
			return srv.Run(ctx, c.String("addr"))
		},
	}
}

type accountEngine struct {
	engine *gsync.Engine
	client *google.CalendarClient
}

// buildEngines creates one sync engine per authenticated Google account and
// mirrors each account's calendar list into the store.
func buildEngines(ctx context.Context, st store.Store, logger *slog.Logger) (map[string]accountEngine, error) {
	accounts, err := google.GetTokenAccounts()
	if err != nil {
		return nil, fmt.Errorf("could not find any google accounts, did you run auth command? %w", err)
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("no google accounts found. Run the 'auth' command first")
	}

	webhookAddress := os.Getenv("WEBHOOK_ADDRESS")

	engines := make(map[string]accountEngine, len(accounts))
	for _, acc := range accounts {
		client, err := google.NewClient(ctx, logger, os.Getenv("GOOGLE_CLIENT_ID"), os.Getenv("GOOGLE_CLIENT_SECRET"), acc)
		if err != nil {
			return nil, fmt.Errorf("failed to create google client for account %s: %w", acc, err)
		}

		cals, err := client.DiscoverCalendars(ctx, acc)
		if err != nil {
			return nil, fmt.Errorf("failed to discover calendars for %s: %w", acc, err)
		}
		for _, cal := range cals {
			if err := st.SaveCalendar(ctx, cal); err != nil {
				return nil, fmt.Errorf("failed to store calendar %s: %w", cal.ID, err)
			}
		}

		engines[acc] = accountEngine{
			engine: gsync.NewEngine(st, client, webhookAddress, logger),
			client: client,
		}
	}
	logger.Info("Initialized Google clients for all accounts.", "count", len(engines))
	return engines, nil
}

func primaryEngine(engines map[string]accountEngine) (string, *gsync.Engine, *google.CalendarClient, error) {
	primary := os.Getenv("PRIMARY_ACCOUNT")
	if primary == "" && len(engines) == 1 {
		for acc := range engines {
			primary = acc
		}
	}
	ae, ok := engines[primary]
	if !ok {
		return "", nil, nil, fmt.Errorf("PRIMARY_ACCOUNT %q is not an authenticated account", primary)
	}
	return primary, ae.engine, ae.client, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
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
