package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Jmi2020/KITT-sub004/internal/config"
	internal_http "github.com/Jmi2020/KITT-sub004/internal/http"
	"github.com/Jmi2020/KITT-sub004/internal/log"
	internal_storage "github.com/Jmi2020/KITT-sub004/internal/storage"
	"github.com/Jmi2020/KITT-sub004/pkg/budget"
	"github.com/Jmi2020/KITT-sub004/pkg/gate"
	"github.com/Jmi2020/KITT-sub004/pkg/models"
	"github.com/Jmi2020/KITT-sub004/pkg/pool"
	"github.com/Jmi2020/KITT-sub004/pkg/service"
	"github.com/Jmi2020/KITT-sub004/pkg/storage"
)

// planFile is the JSON shape accepted by `dispatch submit` and
// `dispatch run`.
type planFile struct {
	Name         string                         `json:"name"`
	Tasks        []models.TaskNode              `json:"tasks"`
	Dependencies map[string][]string            `json:"dependencies"`
	Priorities   map[string]models.TaskPriority `json:"priorities"`
	Arguments    map[string]map[string]string   `json:"arguments"`
}

func SetupCLI(rootCmd *cobra.Command) {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dispatch HTTP server",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			svc, cleanup := buildService(cmd, cfg)
			defer cleanup()
			if err := internal_http.StartServer(cfg.Port, svc); err != nil {
				log.GetLogger().Errorf("Server failed: %v", err)
				os.Exit(1)
			}
		},
	}

	runCmd := &cobra.Command{
		Use:   "run [plan.json]",
		Short: "Submit a plan file and execute it to completion",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			svc, cleanup := buildService(cmd, cfg)
			defer cleanup()

			plan := readPlanFile(args[0])
			executionID, err := svc.SubmitPlan(plan.Name, plan.Tasks, plan.Dependencies, plan.Priorities)
			if err != nil {
				log.GetLogger().Errorf("Failed to submit plan: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to submit plan: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Submitted plan '%s' as execution %s\n", plan.Name, executionID)

			results, err := svc.ExecutePlan(context.Background(), executionID, plan.Arguments)
			if err != nil {
				log.GetLogger().Errorf("Failed to execute plan: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to execute plan: %v\n", err)
				os.Exit(1)
			}
			printResults(results)
		},
	}

	submitCmd := &cobra.Command{
		Use:   "submit [plan.json]",
		Short: "Submit a plan file without executing it",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			svc, cleanup := buildService(cmd, cfg)
			defer cleanup()

			plan := readPlanFile(args[0])
			executionID, err := svc.SubmitPlan(plan.Name, plan.Tasks, plan.Dependencies, plan.Priorities)
			if err != nil {
				log.GetLogger().Errorf("Failed to submit plan: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to submit plan: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Submitted plan '%s' as execution %s\n", plan.Name, executionID)
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show tier usage, task counts, and recent execution logs",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			svc, cleanup := buildService(cmd, cfg)
			defer cleanup()
			report, err := svc.GetStatus()
			if err != nil {
				log.GetLogger().Errorf("Failed to get status: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to get status: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Tiers:\n")
			for tier, st := range report.Tiers {
				fmt.Fprintf(os.Stdout, "- %s: %d/%d active, %d available, healthy=%v\n",
					tier, st.Active, st.Max, st.Available, st.Healthy)
			}
			if len(report.TaskCounts) > 0 {
				fmt.Fprintf(os.Stdout, "Tasks:\n")
				for status, count := range report.TaskCounts {
					fmt.Fprintf(os.Stdout, "- %s: %d\n", status, count)
				}
			}
			if len(report.RecentLogs) > 0 {
				fmt.Fprintf(os.Stdout, "Recent activity:\n")
				for _, entry := range report.RecentLogs {
					fmt.Fprintf(os.Stdout, "- [%s] task %s: %s %s\n",
						entry.LoggedAt.Format(time.RFC3339), entry.TaskID, entry.Status, entry.Message)
				}
			}
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all submitted plans",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			svc, cleanup := buildService(cmd, cfg)
			defer cleanup()
			plans, err := svc.ListPlans()
			if err != nil {
				log.GetLogger().Errorf("Failed to list plans: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to list plans: %v\n", err)
				os.Exit(1)
			}
			if len(plans) == 0 {
				fmt.Fprintf(os.Stdout, "No plans found.\n")
				return
			}
			fmt.Fprintf(os.Stdout, "Plans:\n")
			for _, p := range plans {
				fmt.Fprintf(os.Stdout, "- ID: %d, Execution: %s, Name: %s, Status: %s, Created: %s\n",
					p.ID, p.ExecutionID, p.Name, p.Status, p.CreatedAt.Format(time.RFC3339))
			}
		},
	}

	tiersCmd := &cobra.Command{
		Use:   "tiers",
		Short: "Show per-tier slot usage",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			svc, cleanup := buildService(cmd, cfg)
			defer cleanup()
			report, err := svc.GetStatus()
			if err != nil {
				log.GetLogger().Errorf("Failed to get status: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to get status: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Tiers:\n")
			for tier, st := range report.Tiers {
				fmt.Fprintf(os.Stdout, "- %s: %d/%d active, %d available, healthy=%v\n",
					tier, st.Active, st.Max, st.Available, st.Healthy)
			}
		},
	}

	rootCmd.PersistentFlags().String("db", "", "Database connection string (in-memory store when empty)")
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")
	rootCmd.AddCommand(serveCmd, submitCmd, runCmd, listCmd, statusCmd, tiersCmd)
}

func loadConfig(cmd *cobra.Command) config.Config {
	path, err := cmd.Flags().GetString("config")
	if err != nil || path == "" {
		return config.Default()
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.GetLogger().Errorf("Failed to load config: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// buildService wires the full dispatch stack: store, slot pool,
// admission gate, and the echo backend used when no inference backend
// is attached.
func buildService(cmd *cobra.Command, cfg config.Config) (*service.DispatchService, func()) {
	logger := log.GetLogger()

	var store storage.Store
	cleanup := func() {}
	dbConnStr, _ := cmd.Flags().GetString("db")
	if dbConnStr == "" {
		dbConnStr = cfg.Database
	}
	if dbConnStr != "" {
		pgStore, err := internal_storage.NewPostgresStore(dbConnStr)
		if err != nil {
			logger.Errorf("Failed to initialize store: %v", err)
			os.Exit(1)
		}
		store = pgStore
		cleanup = func() { _ = pgStore.Close() }
	} else {
		store = storage.NewMockStore()
	}

	slots, err := pool.NewSlotPool(cfg.PoolConfigs(), nil, logger)
	if err != nil {
		logger.Errorf("Failed to build slot pool: %v", err)
		os.Exit(1)
	}

	tracker := budget.NewSpendTracker(cfg.Budget.Limit)
	flags := gate.NewFeatureFlags(cfg.FeatureState())
	approver := gate.NewLineApprover(os.Stdin, os.Stderr)
	admission := gate.NewGate(flags, tracker, tracker, approver, cfg.GateOptions(), logger)

	opts := service.Options{
		MaxRetries:     cfg.Execution.MaxRetries,
		BaseDelay:      cfg.Execution.BaseDelay.Std(),
		AcquireTimeout: cfg.Execution.AcquireTimeout.Std(),
		AcquireRetries: cfg.Execution.AcquireRetries,
		AllowFallback:  cfg.Execution.AllowFallback,
		FailCyclic:     cfg.Execution.FailCyclic,
		UnitPrice:      cfg.Budget.UnitPrice,
		RecentLogs:     20,
	}
	return service.NewDispatchService(store, slots, admission, service.NewEchoBackend(), logger, opts), cleanup
}

func readPlanFile(path string) planFile {
	data, err := os.ReadFile(path)
	if err != nil {
		log.GetLogger().Errorf("Failed to read plan file: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to read plan file: %v\n", err)
		os.Exit(1)
	}
	var plan planFile
	if err := json.Unmarshal(data, &plan); err != nil {
		log.GetLogger().Errorf("Failed to parse plan file: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to parse plan file: %v\n", err)
		os.Exit(1)
	}
	return plan
}

func printResults(results map[string]models.TaskResult) {
	fmt.Fprintf(os.Stdout, "Results:\n")
	for id, res := range results {
		line := fmt.Sprintf("- %s: %s", id, res.Status)
		if res.Error != "" {
			line += fmt.Sprintf(" (%s)", res.Error)
		}
		if res.Retries > 0 {
			line += fmt.Sprintf(" [retries=%d]", res.Retries)
		}
		fmt.Fprintln(os.Stdout, line)
	}
}
