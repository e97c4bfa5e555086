package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/feynbound/feynbound/internal/algebra"
	"github.com/feynbound/feynbound/internal/keys"
	"github.com/feynbound/feynbound/internal/reduction"
	"github.com/feynbound/feynbound/internal/symanzik"
)

const (
	mastersFile   = "masters.final"
	variablesFile = "variables"
)

// Setup is the integral family resolved against the Kira output.
type Setup struct {
	Family      *reduction.Family
	Internals   []string
	Propagators []algebra.Expr
	ScalarRules []symanzik.ScalarRule

	// RelationsPath is the reduction result file.
	RelationsPath string
}

func (cfg *Config) resultsDir() string {
	return filepath.Join(cfg.Kira.Dir, "results", cfg.Family.Name)
}

// RelationsPath is <kira.dir>/results/<family>/<kira.file>.
func (cfg *Config) RelationsPath() string {
	return filepath.Join(cfg.resultsDir(), cfg.Kira.File)
}

// Load interns every symbol of the family, reads the masters and the
// variables list written by Kira, and parses propagators, master values
// and kinematic numerics.
func Load(cfg *Config) (*Setup, error) {
	f := cfg.Family
	symbols := algebra.NewSymbolTable(reduction.DimensionSymbol)
	for _, name := range f.Internals {
		symbols.Intern(name)
	}
	for _, name := range f.Externals {
		symbols.Intern(name)
	}
	for _, inv := range f.Invariants {
		symbols.Intern(inv.Symbol)
	}

	names, err := readFile(filepath.Join(cfg.Kira.Dir, "sectormappings", variablesFile), ReadSymbols)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		symbols.Intern(name)
	}

	rules := make([]symanzik.ScalarRule, 0, len(f.ScalarProductRules))
	for _, r := range f.ScalarProductRules {
		value, err := symbols.Parse(r.Value)
		if err != nil {
			return nil, fmt.Errorf("scalar product %s*%s: %w", r.A, r.B, err)
		}
		rules = append(rules, symanzik.ScalarRule{A: r.A, B: r.B, Value: value})
	}

	propagators := make([]algebra.Expr, 0, len(f.Propagators))
	for i, p := range f.Propagators {
		prop, err := parsePropagator(symbols, p, rules)
		if err != nil {
			return nil, fmt.Errorf("propagator %d: %w", i, err)
		}
		propagators = append(propagators, prop)
	}

	masters, err := readFile(filepath.Join(cfg.resultsDir(), mastersFile), func(r io.Reader) ([]keys.Index, error) {
		return ReadMasters(r, f.Name)
	})
	if err != nil {
		return nil, err
	}

	var masterValues algebra.Rules
	for _, mv := range cfg.MasterValues {
		value, err := symbols.Parse(mv.Value)
		if err != nil {
			return nil, fmt.Errorf("value of master %v: %w", mv.Index, err)
		}
		masterValues = append(masterValues, algebra.Rule{Var: keys.IntegralSymbol(keys.Index(mv.Index)), Value: value})
	}

	var kinematics algebra.Rules
	for _, n := range cfg.KinematicsNumerics {
		value, err := algebra.Parse(n.Value)
		if err != nil || !value.IsNumeric() {
			return nil, fmt.Errorf("kinematic numeric %s = %q is not a number", n.Symbol, n.Value)
		}
		symbols.Intern(n.Symbol)
		kinematics = append(kinematics, algebra.Rule{Var: n.Symbol, Value: value})
	}

	sector := keys.Sector{}
	if f.TopLevelSector != nil {
		sector = keys.TopSector(*f.TopLevelSector)
	}

	return &Setup{
		Family: &reduction.Family{
			Name:         f.Name,
			Symbols:      symbols,
			Loops:        len(f.Internals),
			T:            cfg.T,
			D0:           cfg.D0,
			Sector:       sector,
			Masters:      masters,
			MasterValues: masterValues,
			Kinematics:   kinematics,
		},
		Internals:     f.Internals,
		Propagators:   propagators,
		ScalarRules:   rules,
		RelationsPath: cfg.RelationsPath(),
	}, nil
}

func parsePropagator(symbols *algebra.SymbolTable, p PropagatorConfig, rules []symanzik.ScalarRule) (algebra.Expr, error) {
	momentum, err := symbols.Parse(p.Momentum)
	if err != nil {
		return algebra.Expr{}, err
	}
	mass := algebra.Int(0)
	if p.Mass != "" {
		if mass, err = symbols.Parse(p.Mass); err != nil {
			return algebra.Expr{}, err
		}
	}
	square, err := momentum.Pow(2)
	if err != nil {
		return algebra.Expr{}, err
	}
	return symanzik.Apply(square.Sub(mass), rules)
}

// Fingerprint identifies the inputs entries of the read and expand stages
// depend on.
func (s *Setup) Fingerprint() (string, error) {
	st, err := os.Stat(s.RelationsPath)
	if err != nil {
		return "", err
	}
	parts := []string{
		s.Family.Name,
		s.RelationsPath,
		strconv.FormatInt(st.Size(), 10),
		st.ModTime().UTC().String(),
		strconv.Itoa(s.Family.T),
		strconv.Itoa(s.Family.D0),
	}
	for _, r := range s.Family.MasterValues.Sorted() {
		parts = append(parts, r.Var+"="+r.Value.String())
	}
	for _, r := range s.Family.Kinematics.Sorted() {
		parts = append(parts, r.Var+"="+r.Value.String())
	}
	return keys.Fingerprint(parts...), nil
}

func readFile[T any](path string, read func(io.Reader) (T, error)) (T, error) {
	f, err := os.Open(path)
	if err != nil {
		var zero T
		return zero, err
	}
	defer f.Close()
	out, err := read(f)
	if err != nil {
		return out, fmt.Errorf("%s: %w", path, err)
	}
	return out, nil
}

func scanWords(r io.Reader, fn func(word string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Split(bufio.ScanWords)
	for scanner.Scan() {
		if err := fn(scanner.Text()); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// ReadMasters returns the masters listed in a masters.final file, in file
// order. Only tokens naming the family are integrals.
func ReadMasters(r io.Reader, family string) ([]keys.Index, error) {
	var out []keys.Index
	err := scanWords(r, func(word string) error {
		if !strings.Contains(word, family) {
			return nil
		}
		idx, err := keys.ParseIntegral(word)
		if err != nil {
			return err
		}
		out = append(out, idx)
		return nil
	})
	return out, err
}

// ReadSymbols returns the whitespace separated names of a Kira variables
// file.
func ReadSymbols(r io.Reader) ([]string, error) {
	var out []string
	err := scanWords(r, func(word string) error {
		out = append(out, word)
		return nil
	})
	return out, err
}
