package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sergiusz-x/automi/internal/config"
	"github.com/sergiusz-x/automi/internal/db"
	"github.com/sergiusz-x/automi/internal/repositories"
	"github.com/sergiusz-x/automi/internal/scheduler"
)

// newSeedCmd inserts a demo agent, two chained tasks, and an asset so a fresh
// install has something to run. Existing records are left alone, so the
// command is safe to re-run.
func newSeedCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Insert demo data for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServer(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			logger, err := buildLogger(&cfg.Logging)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			gdb, err := openDatabase(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close(gdb) //nolint:errcheck

			return seed(cmd.Context(), repositories.NewStore(gdb), logger)
		},
	}
}

func seed(ctx context.Context, store *repositories.Store, logger *zap.Logger) error {
	// Note the allow-list: an empty list rejects every peer, so the demo
	// agent ships with the wildcard.
	agent := &db.Agent{
		ID:         "demo-agent",
		AuthToken:  "demo-secret-token",
		AllowedIPs: `["*"]`,
	}
	if err := store.Agents.Create(ctx, agent); err != nil {
		if !errors.Is(err, repositories.ErrConflict) {
			return fmt.Errorf("seed agent: %w", err)
		}
		logger.Info("agent already exists, skipping", zap.String("agent_id", agent.ID))
	} else {
		logger.Info("seeded agent", zap.String("agent_id", agent.ID))
	}

	tasks := []*db.Task{
		{
			Name:     "hello-world",
			Type:     db.InterpreterBash,
			Script:   "echo \"hello from $PARAM_WHO\"\n",
			Params:   `{"who":"automi"}`,
			AgentID:  agent.ID,
			Schedule: "*/5 * * * *",
			Enabled:  true,
		},
		{
			Name:    "hello-followup",
			Type:    db.InterpreterBash,
			Script:  "echo \"parent finished, region is $ASSET_REGION\"\n",
			AgentID: agent.ID,
			Enabled: true,
		},
	}

	for _, task := range tasks {
		if task.Schedule != "" {
			if err := scheduler.ValidateSchedule(task.Schedule); err != nil {
				return fmt.Errorf("seed task %s: %w", task.Name, err)
			}
		}
		if err := store.Tasks.Create(ctx, task); err != nil {
			if !errors.Is(err, repositories.ErrConflict) {
				return fmt.Errorf("seed task %s: %w", task.Name, err)
			}
			existing, err := store.Tasks.GetByName(ctx, task.Name)
			if err != nil {
				return fmt.Errorf("seed task %s: %w", task.Name, err)
			}
			*task = *existing
			logger.Info("task already exists, skipping", zap.String("task", task.Name))
		} else {
			logger.Info("seeded task", zap.String("task", task.Name))
		}
	}

	dep := &db.TaskDependency{
		ParentID:  tasks[0].ID,
		ChildID:   tasks[1].ID,
		Condition: db.TriggerOnSuccess,
	}
	if err := store.Dependencies.Create(ctx, dep); err != nil {
		if !errors.Is(err, repositories.ErrConflict) {
			return fmt.Errorf("seed dependency: %w", err)
		}
		logger.Info("dependency already exists, skipping")
	} else {
		logger.Info("seeded dependency",
			zap.String("parent", tasks[0].Name),
			zap.String("child", tasks[1].Name),
		)
	}

	if err := store.Assets.Upsert(ctx, &db.Asset{Key: "region", Value: "local-dev"}); err != nil {
		return fmt.Errorf("seed asset: %w", err)
	}
	logger.Info("seeded asset", zap.String("key", "region"))

	return nil
}
