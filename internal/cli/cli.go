package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/rowmail/rowmail/internal/config"
	internal_http "github.com/rowmail/rowmail/internal/http"
	"github.com/rowmail/rowmail/internal/log"
	internal_storage "github.com/rowmail/rowmail/internal/storage"
	"github.com/rowmail/rowmail/pkg/codec"
	"github.com/rowmail/rowmail/pkg/models"
	"github.com/rowmail/rowmail/pkg/service"
	"github.com/rowmail/rowmail/pkg/storage"
)

func SetupCLI(rootCmd *cobra.Command) {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the rowmail daemon (HTTP surface, dispatcher, scheduler)",
		Run: func(cmd *cobra.Command, args []string) {
			serve()
		},
	}

	runCmd := &cobra.Command{
		Use:   "run [action-id]",
		Short: "Run an outbound action and wait for it to finish",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			actionID := parseID(args[0])
			payloadJSON, _ := cmd.Flags().GetString("payload")
			user, _ := cmd.Flags().GetString("user")
			payload := map[string]any{}
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					fmt.Fprintf(os.Stderr, "Error: invalid payload JSON: %v\n", err)
					os.Exit(1)
				}
			}
			runAction(user, actionID, payload)
		},
	}
	runCmd.Flags().String("payload", "", "Run parameters as a JSON object")
	runCmd.Flags().String("user", "cli@localhost", "Acting user email")

	exportCmd := &cobra.Command{
		Use:   "export [workflow-id] [file]",
		Short: "Export a workflow archive to a file",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			workflowID := parseID(args[0])
			store := initStore()
			defer store.Close()
			data, err := codec.Export(store, workflowID, nil, true)
			if err != nil {
				log.GetLogger().Errorf("Failed to export workflow: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to export workflow: %v\n", err)
				os.Exit(1)
			}
			if err := os.WriteFile(args[1], data, 0o644); err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to write archive: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Exported workflow %d to %s (%d bytes)\n", workflowID, args[1], len(data))
		},
	}

	importCmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Import a workflow archive",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			user, _ := cmd.Flags().GetString("user")
			data, err := os.ReadFile(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to read archive: %v\n", err)
				os.Exit(1)
			}
			store := initStore()
			defer store.Close()
			wf, err := codec.Import(store, user, data)
			if err != nil {
				log.GetLogger().Errorf("Failed to import workflow: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to import workflow: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Imported workflow '%s' with ID %d\n", wf.Name, wf.ID)
		},
	}
	importCmd.Flags().String("user", "cli@localhost", "Acting user email")

	schedulesCmd := &cobra.Command{
		Use:   "schedules [workflow-id]",
		Short: "List the scheduled operations of a workflow",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			workflowID := parseID(args[0])
			store := initStore()
			defer store.Close()
			listSchedules(store, workflowID)
		},
	}

	rootCmd.AddCommand(serveCmd, runCmd, exportCmd, importCmd, schedulesCmd)
}

func parseID(arg string) int64 {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid id %q\n", arg)
		os.Exit(1)
	}
	return id
}

func loadConfig() *config.Config {
	if err := godotenv.Load(); err != nil {
		log.GetLogger().Debugf("No .env file found or failed to load: %v", err)
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		log.GetLogger().Errorf("Failed to load configuration: %v", err)
		os.Exit(1)
	}
	return cfg
}

func initStore() *internal_storage.PostgresStore {
	cfg := loadConfig()
	store, err := internal_storage.NewPostgresStore(cfg.ConnString())
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	return store
}

// buildDispatcher assembles the outbound pipeline: the tracker, the worker
// pool and one sink per dispatched action type.
func buildDispatcher(ctx context.Context, cfg *config.Config, store storage.Store) (*service.Dispatcher, *service.TokenManager) {
	tracker := service.NewTracker(store, cfg.Tracking.Secret, cfg.Tracking.BaseURL)
	dispatcher := service.NewDispatcher(ctx, store, tracker, cfg.DispatchConfig(), log.GetLogger())

	smtp := service.SMTPSettings{
		Host:         cfg.SMTP.Host,
		Port:         cfg.SMTP.Port,
		Username:     cfg.SMTP.Username,
		Password:     cfg.SMTP.Password,
		OverrideFrom: cfg.SMTP.OverrideFrom,
	}
	emailSink := service.NewEmailSink(service.NewSMTPSender(smtp), smtp)
	dispatcher.RegisterSink(models.PersonalizedText, emailSink)
	dispatcher.RegisterSink(models.EmailReport, emailSink)
	dispatcher.RegisterSink(models.RubricText, emailSink)

	jsonSink := service.NewJSONSink(nil)
	dispatcher.RegisterSink(models.PersonalizedJSON, jsonSink)
	dispatcher.RegisterSink(models.JSONReport, jsonSink)

	tokens := service.NewTokenManager(store, cfg.CanvasInstances())
	dispatcher.RegisterSink(models.PersonalizedCanvasEmail, service.NewCanvasSink(nil, tokens))
	return dispatcher, tokens
}

func serve() {
	cfg := loadConfig()
	store, err := internal_storage.NewPostgresStore(cfg.ConnString())
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher, _ := buildDispatcher(ctx, cfg, store)
	dispatcher.Start(cfg.Dispatch.Workers)
	defer dispatcher.Stop()

	runs := service.NewRunService(store, dispatcher)
	scheduler := service.NewScheduler(store, runs, log.GetLogger(),
		time.Duration(cfg.Scheduler.IntervalSecs)*time.Second)
	go scheduler.Start(ctx)

	var sessions service.SessionStore
	var dialogs service.DialogStore
	var locker service.Locker
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		defer client.Close()
		sessions = service.NewRedisSessions(client)
		dialogs = service.NewRedisDialogs(client)
		locker = service.NewRedisLocker(client)
	} else {
		log.GetLogger().Warn("No redis configured, using in-memory sessions and locks")
		sessions = service.NewMemorySessions()
		dialogs = service.NewMemoryDialogs()
		locker = service.NewMemoryLocker()
	}

	tracker := service.NewTracker(store, cfg.Tracking.Secret, cfg.Tracking.BaseURL)
	server := internal_http.NewServer(store, runs, scheduler, tracker, sessions, dialogs, locker)

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start(strconv.Itoa(cfg.HTTP.Port))
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errChan:
		log.GetLogger().Errorf("Server stopped: %v", err)
		os.Exit(1)
	case sig := <-quit:
		log.GetLogger().Infof("Received %v, shutting down", sig)
	}
}

func runAction(user string, actionID int64, payload map[string]any) {
	cfg := loadConfig()
	store, err := internal_storage.NewPostgresStore(cfg.ConnString())
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher, _ := buildDispatcher(ctx, cfg, store)
	dispatcher.Start(1)
	defer dispatcher.Stop()

	runs := service.NewRunService(store, dispatcher)
	logID, err := runs.Run(ctx, user, actionID, payload)
	if err != nil {
		log.GetLogger().Errorf("Failed to run action: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to run action: %v\n", err)
		os.Exit(1)
	}
	if err := dispatcher.Wait(logID); err != nil {
		fmt.Fprintf(os.Stderr, "Run %d failed: %v\n", logID, err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "Run %d finished successfully\n", logID)
}

func listSchedules(store storage.Store, workflowID int64) {
	ops, err := store.ListScheduledOps(workflowID)
	if err != nil {
		log.GetLogger().Errorf("Failed to list schedules: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to list schedules: %v\n", err)
		os.Exit(1)
	}
	if len(ops) == 0 {
		fmt.Fprintf(os.Stdout, "No scheduled operations found.\n")
		return
	}
	fmt.Fprintf(os.Stdout, "Scheduled operations:\n")
	for _, op := range ops {
		when := "-"
		if op.ExecuteAt != nil {
			when = op.ExecuteAt.Format(time.RFC3339)
		}
		fmt.Fprintf(os.Stdout, "- ID: %d, Name: %s, Type: %s, Status: %s, Next: %s\n",
			op.ID, op.Name, op.OpType, op.Status, when)
	}
}
