package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"
)

// SuiteResult summarizes running a set of scenario files.
type SuiteResult struct {
	Total    int               `json:"total"`
	Passed   int               `json:"passed"`
	Failed   int               `json:"failed"`
	Failures []ScenarioFailure `json:"failures,omitempty"`
	Results  []*Result         `json:"results,omitempty"`
}

// ScenarioFailure represents a scenario that failed to load, run or pass.
type ScenarioFailure struct {
	Scenario string `json:"scenario,omitempty"`
	Path     string `json:"path"`
	Error    string `json:"error"`
}

// OK reports whether every scenario passed.
func (r *SuiteResult) OK() bool {
	return r.Failed == 0
}

// FindScenarios returns the .yaml and .yml files directly inside dir,
// sorted by name.
func FindScenarios(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read scenario directory: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	slices.Sort(paths)
	return paths, nil
}

// RunAll loads and runs every scenario in paths, at most parallel at a
// time (0 means unbounded). Results are reported in path order.
//
// For each path:
// 1. Load the scenario
// 2. Run it via Run
// 3. Collect pass/fail
func RunAll(ctx context.Context, paths []string, parallel int, opts ...Option) (*SuiteResult, error) {
	results := make([]*Result, len(paths))
	failures := make([]*ScenarioFailure, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			scenario, err := LoadScenario(path)
			if err != nil {
				failures[i] = &ScenarioFailure{Path: path, Error: fmt.Sprintf("failed to load scenario: %v", err)}
				return nil
			}

			res, err := Run(gctx, scenario, opts...)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failures[i] = &ScenarioFailure{Scenario: scenario.Name, Path: path, Error: fmt.Sprintf("scenario execution failed: %v", err)}
				return nil
			}
			results[i] = res
			if !res.Pass {
				failures[i] = &ScenarioFailure{Scenario: scenario.Name, Path: path, Error: strings.Join(res.Errors, "; ")}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	suite := &SuiteResult{Total: len(paths)}
	for i := range paths {
		if results[i] != nil {
			suite.Results = append(suite.Results, results[i])
		}
		if failures[i] != nil {
			suite.Failed++
			suite.Failures = append(suite.Failures, *failures[i])
			continue
		}
		suite.Passed++
	}
	return suite, nil
}
