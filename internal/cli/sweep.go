package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentcache/agentcache/internal/config"
	"github.com/agentcache/agentcache/internal/kv"
	"github.com/agentcache/agentcache/internal/memory"
)

var sweepNamespace string

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove fully decayed memory fragments",
	Long:  "Tombstones Cold fragments whose vitality has decayed below the retention floor.",
	RunE:  runSweep,
}

func init() {
	sweepCmd.Flags().StringVar(&sweepNamespace, "namespace", "default", "Namespace to sweep")
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := newLogger(cfg.Log)

	db, _, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	mem := memory.New(memory.Config{
		HalfLife:     cfg.Memory.HalfLife,
		RetentionMin: cfg.Memory.RetentionMin,
	}, kv.NewMemory(kv.SystemClock()), db, nil, nil, kv.SystemClock(), log)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	removed, err := mem.Sweep(ctx, sweepNamespace)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	fmt.Printf("removed %d decayed fragments from %s\n", removed, sweepNamespace)
	return nil
}
