// Package dimshift contains the command that prints the dimension shift
// matrices of a family's masters and their differential equation in a
// kinematic invariant.
package dimshift

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"sigs.k8s.io/yaml"

	"github.com/feynbound/feynbound/cmd/run"
	"github.com/feynbound/feynbound/cmd/util"
	"github.com/feynbound/feynbound/internal/algebra"
	"github.com/feynbound/feynbound/internal/build"
	"github.com/feynbound/feynbound/internal/cache"
	"github.com/feynbound/feynbound/internal/config"
	"github.com/feynbound/feynbound/internal/dimshift"
	"github.com/feynbound/feynbound/internal/keys"
	"github.com/feynbound/feynbound/internal/reduction"
	"github.com/feynbound/feynbound/internal/symanzik"
	"github.com/feynbound/feynbound/pkg/logger"
)

const (
	symbolFlag = "symbol"
	outputFlag = "output"

	outputText = "text"
	outputYAML = "yaml"
)

func NewDimshiftCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dimshift",
		Short: "Print the dimension shift matrices of the masters",
		Long: `Print the dimension shift matrices of the masters.

The matrix to d relates the masters in d-2 dimensions to the masters in d dimensions; the matrix to
d-2 is its inverse. With --symbol the differential equation of the masters in that kinematic invariant
is printed too. Kinematic numerics from the config are substituted before differentiating.`,
		RunE: runDimshift,
		Args: cobra.NoArgs,
	}

	defaultConfig := config.DefaultConfig()
	flags := cmd.Flags()
	flags.String(symbolFlag, "", "the kinematic invariant to differentiate in")
	flags.String(outputFlag, outputText, fmt.Sprintf("the output format. Allowed values: '%s', '%s'", outputText, outputYAML))
	flags.String("cache-dir", defaultConfig.Cache.Dir, "the directory holding the cache")
	flags.String("log-level", defaultConfig.Log.Level, "the log level to use")

	cmd.PreRun = bindDimshiftFlagsFunc(flags)

	return cmd
}

func bindDimshiftFlagsFunc(flags *pflag.FlagSet) func(*cobra.Command, []string) {
	return func(command *cobra.Command, args []string) {
		util.MustBindPFlag(symbolFlag, flags.Lookup(symbolFlag))
		util.MustBindPFlag(outputFlag, flags.Lookup(outputFlag))

		util.MustBindPFlag("cache.dir", flags.Lookup("cache-dir"))
		util.MustBindEnv("cache.dir", "FEYNBOUND_CACHE_DIR")

		util.MustBindPFlag("log.level", flags.Lookup("log-level"))
		util.MustBindEnv("log.level", "FEYNBOUND_LOG_LEVEL")
	}
}

// Shifts is what the command prints.
type Shifts struct {
	Masters              []string       `json:"masters"`
	ToUpper              algebra.Matrix `json:"toUpper"`
	ToLower              algebra.Matrix `json:"toLower"`
	Symbol               string         `json:"symbol,omitempty"`
	DifferentialEquation *algebra.Matrix `json:"differentialEquation,omitempty"`
}

func runDimshift(cmd *cobra.Command, _ []string) error {
	output := viper.GetString(outputFlag)
	if output != outputText && output != outputYAML {
		return fmt.Errorf("invalid --%s %q", outputFlag, output)
	}

	cfg, err := run.ReadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Verify(); err != nil {
		return err
	}
	log := logger.MustNewLogger(cfg.Log.Format, cfg.Log.Level)

	shifts, err := Compute(cmd.Context(), cfg, viper.GetString(symbolFlag), log)
	if err != nil {
		return err
	}
	return Print(cmd.OutOrStdout(), shifts, output)
}

// Compute reduces the integrals the Symanzik polynomials generate from
// every master and assembles the shift matrices.
func Compute(ctx context.Context, cfg *config.Config, symbol string, log logger.Logger) (*Shifts, error) {
	session, err := run.Open(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	setup := session.Setup
	family := setup.Family
	if symbol != "" && !family.Symbols.Has(symbol) {
		return nil, fmt.Errorf("%w: %s", algebra.ErrUnknownSymbol, symbol)
	}
	poly, err := symanzik.Compute(setup.Internals, setup.Propagators, setup.ScalarRules, family.Sector)
	if err != nil {
		return nil, fmt.Errorf("symanzik polynomials: %w", err)
	}

	fp, err := setup.Fingerprint()
	if err != nil {
		return nil, fmt.Errorf("fingerprint relations: %w", err)
	}
	if _, err := cache.CheckManifest(ctx, session.Store, cache.Manifest{
		Fingerprint: fp,
		Family:      family.Name,
		CreatedBy:   build.ProjectName + " " + build.Version,
	}, log); err != nil {
		return nil, err
	}

	open := func() (io.ReadCloser, error) {
		return os.Open(setup.RelationsPath)
	}
	builder := reduction.NewBuilder(family, session.Pool, session.Store, reduction.WithLogger(log))
	assembler := dimshift.New(builder, open, family, poly, dimshift.WithLogger(log))

	shifts := &Shifts{Symbol: symbol}
	for _, m := range family.Masters {
		shifts.Masters = append(shifts.Masters, keys.IntegralSymbol(m))
	}
	if shifts.ToUpper, err = assembler.ShiftToUpper(ctx); err != nil {
		return nil, err
	}
	if shifts.ToLower, err = assembler.ShiftToLower(ctx); err != nil {
		return nil, err
	}
	if symbol != "" {
		de, err := assembler.DifferentialEquation(ctx, symbol)
		if err != nil {
			return nil, err
		}
		shifts.DifferentialEquation = &de
	}
	return shifts, nil
}

func Print(w io.Writer, s *Shifts, output string) error {
	if output == outputYAML {
		out, err := yaml.Marshal(s)
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	}

	if _, err := fmt.Fprintf(w, "masters: %v\nto d: %s\nto d-2: %s\n", s.Masters, s.ToUpper, s.ToLower); err != nil {
		return err
	}
	if s.DifferentialEquation != nil {
		if _, err := fmt.Fprintf(w, "d/d%s: %s\n", s.Symbol, *s.DifferentialEquation); err != nil {
			return err
		}
	}
	return nil
}
