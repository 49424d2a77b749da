package main

import (
	"github.com/spf13/cobra"

	"github.com/z3rotig4r/ckks_tree/internal/bench"
	"github.com/z3rotig4r/ckks_tree/internal/client"
	"github.com/z3rotig4r/ckks_tree/internal/evaluator"
)

var (
	benchCmd = &cobra.Command{
		Use:   "bench DATA.csv",
		Short: "Compare encrypted and plaintext predictions over a dataset",
		Long: `Runs every row of a CSV (features then integer label) through the
encrypted pipeline and the plaintext tree, reporting accuracy, agreement,
node score error and latency. With --local no server is needed.`,
		Args: cobra.ExactArgs(1),
		RunE: runBench,
	}
	benchLocal       bool
	benchConcurrency int
)

func init() {
	benchCmd.Flags().BoolVar(&benchLocal, "local", false, "evaluate in process instead of over HTTP")
	benchCmd.Flags().IntVar(&benchConcurrency, "concurrency", 1, "samples in flight")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	samples, err := bench.ReadCSVFile(args[0])
	if err != nil {
		return err
	}
	t, _, ccfg, err := clientSetup(&cfg)
	if err != nil {
		return err
	}
	ccfg.Logger = logger

	var c *client.Client
	if benchLocal {
		ev, err := evaluator.New(ccfg.Matrices, evaluator.WithWorkers(cfg.Server.Workers), evaluator.WithLogger(logger))
		if err != nil {
			return err
		}
		c, err = client.NewLocal(ev, ccfg)
		if err != nil {
			return err
		}
	} else {
		if ccfg.Sealer, err = newSealer(cfg.Security); err != nil {
			return err
		}
		if c, err = client.New(ccfg); err != nil {
			return err
		}
	}

	r := &bench.Runner{
		Predictor:   c,
		Tree:        t,
		Matrices:    c.Matrices(),
		Concurrency: benchConcurrency,
		Logger:      logger,
	}
	rep, err := r.Run(cmd.Context(), samples)
	if err != nil {
		return err
	}
	rep.Print(cmd.OutOrStdout())
	return nil
}
