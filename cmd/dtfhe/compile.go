package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	compileCmd = &cobra.Command{
		Use:   "compile [tree.json]",
		Short: "Compile a tree JSON into a model artifact",
		Long: `Reads a decision tree (node list or sklearn-style arrays), builds the
decision and path-cost matrices and stores them in the configured model store.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runCompile,
	}
	compileOut string
)

func init() {
	compileCmd.Flags().StringVarP(&compileOut, "out", "o", "", "artifact path (overrides model.path)")
	rootCmd.AddCommand(compileCmd)
}

func runCompile(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	path := cfg.Model.Tree
	if len(args) == 1 {
		path = args[0]
	}
	if compileOut != "" {
		cfg.Model.Store = "file"
		cfg.Model.Path = compileOut
	}

	_, m, err := loadTree(path)
	if err != nil {
		return err
	}
	where, err := saveMatrices(cmd.Context(), cfg.Model, m)
	if err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}
	logger.Info("✅ model compiled",
		"tree", path,
		"artifact", where,
		"features", m.NFeatures,
		"nodes", m.NumNodes(),
		"leaves", m.NumLeaves())
	return nil
}
