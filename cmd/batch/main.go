// cmd/batch/main.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chathub/config"
	"chathub/models"
	"chathub/services"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type app struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "batch",
		Short:        "chathub administration and batch jobs",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelInfo}))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to a YAML config file")
	root.AddCommand(a.userCmd(), a.credentialCmd(), a.modelCmd(), a.migrateCmd())
	return root
}

// openSQL retries a few times, the database may still be starting.
func (a *app) openSQL(ctx context.Context) (*services.SQLStore, error) {
	var (
		store *services.SQLStore
		err   error
	)
	for i := 0; i < 3; i++ {
		store, err = services.OpenSQLStore(ctx, a.cfg.Database.Driver, a.cfg.Database.URL)
		if err == nil {
			return store, nil
		}
		a.logger.Warn("failed to open database", "attempt", i+1, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return nil, fmt.Errorf("open database after retries: %w", err)
}

func (a *app) userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage API users"}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <username>",
		Short: "Create a user and print its bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openSQL(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			user := &models.User{Username: args[0], Token: uuid.NewString(), IsActive: true}
			if err := store.CreateUser(ctx, user); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %q created (id %d)\ntoken: %s\n", user.Username, user.ID, user.Token)
			return nil
		},
	})
	return cmd
}

func (a *app) credentialCmd() *cobra.Command {
	var (
		provider string
		key      string
		baseURL  string
		inactive bool
	)
	set := &cobra.Command{
		Use:   "set",
		Short: "Store a provider API key; the newest active key wins",
		RunE: func(cmd *cobra.Command, args []string) error {
			if provider == "" {
				provider = a.cfg.Provider.ID
			}
			if key == "" {
				return fmt.Errorf("--key is required")
			}
			ctx := cmd.Context()
			store, err := a.openSQL(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			cred := &models.Credential{Provider: provider, APIKey: key, BaseURL: baseURL, IsActive: !inactive}
			if err := store.PutCredential(ctx, cred); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "credential %d stored for %s (active=%t)\n", cred.ID, cred.Provider, cred.IsActive)
			return nil
		},
	}
	set.Flags().StringVar(&provider, "provider", "", "provider id (defaults to the configured provider)")
	set.Flags().StringVar(&key, "key", "", "API key")
	set.Flags().StringVar(&baseURL, "base-url", "", "override the provider endpoint for this key")
	set.Flags().BoolVar(&inactive, "inactive", false, "store the key disabled")

	cmd := &cobra.Command{Use: "credential", Short: "Manage provider API keys"}
	cmd.AddCommand(set)
	return cmd
}

func (a *app) modelCmd() *cobra.Command {
	var (
		m        models.ModelInfo
		inactive bool
	)
	add := &cobra.Command{
		Use:   "add <model-name>",
		Short: "Add a model to the catalog, replacing any entry with the same name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if m.Provider == "" {
				m.Provider = a.cfg.Provider.ID
			}
			m.ModelName = args[0]
			m.IsActive = !inactive

			ctx := cmd.Context()
			store, err := a.openSQL(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := services.NewCatalogService(store, nil).Register(ctx, &m); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "model %q registered (id %d, provider %s, active=%t)\n",
				m.ModelName, m.ID, m.Provider, m.IsActive)
			return nil
		},
	}
	f := add.Flags()
	f.StringVar(&m.DisplayName, "display-name", "", "name shown in the model picker (defaults to the model name)")
	f.StringVar(&m.Provider, "provider", "", "provider id (defaults to the configured provider)")
	f.StringVar(&m.Type, "type", "chat", "model type: chat, completion or embedding")
	f.IntVar(&m.MaxTokens, "max-tokens", 4096, "context window in tokens")
	f.BoolVar(&m.SupportsStreaming, "streaming", true, "model supports streamed output")
	f.BoolVar(&m.SupportsFunctionCalling, "function-calling", false, "model supports function calling")
	f.BoolVar(&m.SupportsVision, "vision", false, "model accepts image input")
	f.Float64Var(&m.InputPricePer1K, "input-price", 0, "input price per 1k tokens")
	f.Float64Var(&m.OutputPricePer1K, "output-price", 0, "output price per 1k tokens")
	f.StringVar(&m.Description, "description", "", "free-form description")
	f.IntVar(&m.SortOrder, "sort", 0, "position in the catalog, ascending")
	f.BoolVar(&inactive, "inactive", false, "hide the model from active listings")

	cmd := &cobra.Command{Use: "model", Short: "Manage the model catalog"}
	cmd.AddCommand(add)
	return cmd
}

func (a *app) migrateCmd() *cobra.Command {
	var (
		daemon   bool
		schedule string
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Split legacy reasoning traces out of assistant messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, closeFn, err := a.historyStore(ctx)
			if err != nil {
				return err
			}
			defer closeFn()
			processor := services.NewBatchProcessor(store, a.logger)

			// 初回実行
			if _, err := processor.ProcessLegacyMessages(ctx); err != nil {
				a.logger.Error("error in initial processing", "error", err)
				if !daemon {
					return err
				}
			}
			if !daemon {
				return nil
			}

			if schedule == "" {
				schedule = a.cfg.Migration.Schedule
			}
			return runScheduled(ctx, schedule, processor, a.logger)
		},
	}
	cmd.Flags().BoolVar(&daemon, "daemon", false, "keep running and migrate on a schedule")
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron expression (defaults to the configured migration schedule)")
	return cmd
}

// historyStore opens the configured conversation backend.
func (a *app) historyStore(ctx context.Context) (services.HistoryStore, func(), error) {
	if a.cfg.Database.ConversationBackend == config.BackendDynamoDB {
		client, err := services.NewDynamoDBClient(ctx, a.cfg.DynamoDB)
		if err != nil {
			return nil, nil, err
		}
		return services.NewDynamoStore(client, a.cfg.DynamoDB.TablePrefix, a.logger), func() {}, nil
	}
	store, err := a.openSQL(ctx)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { store.Close() }, nil
}

// runScheduled runs the migration on schedule until ctx is done. Runs never
// overlap; a tick that fires during a run is skipped.
func runScheduled(ctx context.Context, schedule string, processor *services.BatchProcessor, logger *slog.Logger) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(schedule, func() {
		logger.Info("starting scheduled batch processing")
		if _, err := processor.ProcessLegacyMessages(ctx); err != nil {
			logger.Error("error processing legacy messages", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}

	logger.Info("batch scheduler started", "schedule", schedule)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	logger.Info("batch scheduler stopped")
	return nil
}
