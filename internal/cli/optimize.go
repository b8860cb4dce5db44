package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentcache/agentcache/internal/config"
	"github.com/agentcache/agentcache/internal/optimizer"
)

var (
	optimizeNamespace   string
	optimizeTraceLimit  int
	optimizePopulation  int
	optimizeGenerations int
	optimizeSeed        int64
)

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Search tier policies against recorded traffic",
	Long: "Runs the genetic policy search over the recorded access trace and prints\n" +
		"the winning configuration. Requires cache.record_traces to have been on.",
	RunE: runOptimize,
}

func init() {
	optimizeCmd.Flags().StringVar(&optimizeNamespace, "namespace", "default", "Namespace whose trace to optimize against")
	optimizeCmd.Flags().IntVar(&optimizeTraceLimit, "trace-limit", 10000, "Maximum trace entries to load")
	optimizeCmd.Flags().IntVar(&optimizePopulation, "population", 24, "Population size")
	optimizeCmd.Flags().IntVar(&optimizeGenerations, "generations", 40, "Generation budget")
	optimizeCmd.Flags().Int64Var(&optimizeSeed, "seed", 0, "Random seed (0 = fixed default)")
}

func runOptimize(cmd *cobra.Command, args []string) error {
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

	trace, err := db.Traces(optimizeNamespace, optimizeTraceLimit)
	if err != nil {
		return fmt.Errorf("load trace: %w", err)
	}
	if len(trace) == 0 {
		fmt.Fprintln(os.Stderr, "no recorded trace for namespace; enable cache.record_traces and replay traffic first")
		return nil
	}

	res := optimizer.Evolve(trace, optimizer.Config{
		Population:  optimizePopulation,
		Generations: optimizeGenerations,
		Seed:        optimizeSeed,
	}, log)

	// Promotion stays gated even offline: never print an invalid winner
	// as if it were applicable.
	if _, err := optimizer.Promote(optimizer.Genome{WarmEnabled: true, HotEnabled: true, HotStrategy: "lru", WarmStrategy: "static"}, res.Best, optimizer.DefaultBounds(), log); err != nil {
		return fmt.Errorf("winner failed validation: %w", err)
	}

	fmt.Printf("trace entries:       %d\n", len(trace))
	fmt.Printf("generations run:     %d\n", res.Generations)
	fmt.Printf("best fitness:        %.4f\n", res.BestFitness)
	fmt.Println()
	fmt.Printf("hot_enabled:         %v\n", res.Best.HotEnabled)
	fmt.Printf("hot_strategy:        %s\n", res.Best.HotStrategy)
	fmt.Printf("warm_enabled:        %v\n", res.Best.WarmEnabled)
	fmt.Printf("warm_strategy:       %s\n", res.Best.WarmStrategy)
	fmt.Printf("admission_threshold: %d\n", res.Best.AdmissionThreshold)
	fmt.Printf("cost_weight:         %.3f\n", res.Best.ProviderCostWeight)
	return nil
}
