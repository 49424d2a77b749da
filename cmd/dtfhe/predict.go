package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/z3rotig4r/ckks_tree/internal/client"
	"github.com/z3rotig4r/ckks_tree/internal/config"
	"github.com/z3rotig4r/ckks_tree/internal/reducer"
	"github.com/z3rotig4r/ckks_tree/internal/tree"
)

var (
	predictCmd = &cobra.Command{
		Use:   "predict FEATURES",
		Short: "Encrypt a feature vector and query the server",
		Long: `Generates a fresh CKKS key pair, encrypts the comma-separated feature
vector, sends it to the server under the pre-shared key and reduces the
encrypted node scores and path costs to a class.`,
		Example: `  dtfhe predict --tree model.json 5.1,3.5,1.4,0.2`,
		Args:    cobra.ExactArgs(1),
		RunE:    runPredict,
	}
	treePath    string
	serverURL   string
	strategy    string
	strictCheck bool
)

func init() {
	for _, c := range []*cobra.Command{predictCmd, benchCmd} {
		c.Flags().StringVar(&treePath, "tree", "", "tree JSON (overrides model.tree)")
		c.Flags().StringVar(&serverURL, "server", "", "server base URL (overrides client.server_url)")
		c.Flags().StringVar(&strategy, "strategy", "", "reduction: argmin, traverse or both")
		c.Flags().BoolVar(&strictCheck, "strict", false, "fail when strategies disagree on a clear input")
	}
	rootCmd.AddCommand(predictCmd)
}

func parseFeatures(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	x := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", i, err)
		}
		x[i] = v
	}
	return x, nil
}

// clientSetup resolves the flags shared by predict and bench.
func clientSetup(cfg *config.Config) (*tree.Tree, reducer.Strategy, client.Config, error) {
	if treePath != "" {
		cfg.Model.Tree = treePath
	}
	if serverURL != "" {
		cfg.Client.ServerURL = serverURL
	}
	if strategy != "" {
		cfg.Client.Strategy = strategy
	}
	t, m, err := loadTree(cfg.Model.Tree)
	if err != nil {
		return nil, nil, client.Config{}, err
	}
	st, err := reducer.New(cfg.Client.Strategy, t, m, cfg.Client.Epsilon)
	if err != nil {
		return nil, nil, client.Config{}, err
	}
	if cs, ok := st.(*reducer.Consensus); ok {
		cs.Strict = strictCheck
	}
	params, err := cfg.FHE.Build()
	if err != nil {
		return nil, nil, client.Config{}, err
	}
	return t, st, client.Config{
		BaseURL:  cfg.Client.ServerURL,
		HTTP:     &http.Client{Timeout: cfg.Client.Timeout},
		Params:   params,
		Matrices: m,
		Strategy: st,

		RequireSealedResponse: cfg.Security.SealResponses,
	}, nil
}

func runPredict(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	x, err := parseFeatures(args[0])
	if err != nil {
		return err
	}
	_, _, ccfg, err := clientSetup(&cfg)
	if err != nil {
		return err
	}
	if ccfg.Sealer, err = newSealer(cfg.Security); err != nil {
		return err
	}
	ccfg.Logger = logger
	c, err := client.New(ccfg)
	if err != nil {
		return err
	}

	out, err := c.Predict(cmd.Context(), x)
	if err != nil {
		return err
	}
	logger.Info("prediction",
		"class", out.Class,
		"leaf", out.Leaf,
		"strategy", out.Strategy,
		"ambiguous", out.Ambiguous,
		"agree", out.Agree,
		"keygen", out.Timings.Keygen,
		"encrypt", out.Timings.Encrypt,
		"server", out.Timings.Server,
		"decrypt", out.Timings.Decrypt)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out.Prediction)
}
