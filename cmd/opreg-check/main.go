// Command opreg-check loads unit files the way the daemon would and reports
// what each one exposes.
//
// Usage:
//
//	opreg-check [options] [path...]
//
// Paths may be unit files or directories of {name}_package.{js,wasm} files.
// If no paths are provided, checks the current directory.
//
// Options:
//
//	-strict     Treat warnings as errors
//	-json       Output results as JSON
//	-quiet      Only output errors
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/opreg/opreg/internal/domain/dispatch"
	"github.com/opreg/opreg/internal/domain/loader"
	"github.com/opreg/opreg/internal/domain/unit"
)

func main() {
	var strict, asJSON, quiet bool
	fs := flag.NewFlagSet("opreg-check", flag.ExitOnError)
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.BoolVar(&asJSON, "json", false, "Output results as JSON")
	fs.BoolVar(&quiet, "quiet", false, "Only output errors")

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	exitCode := run(context.Background(), os.Stdout, fs.Args(), strict, asJSON, quiet)
	os.Exit(exitCode)
}

// Result is the outcome of loading one unit file.
type Result struct {
	Name         string    `json:"name"`
	Kind         unit.Kind `json:"kind"`
	Valid        bool      `json:"valid"`
	Symbol       string    `json:"symbol,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Error        string    `json:"error,omitempty"`
	Warnings     []string  `json:"warnings,omitempty"`
}

func run(ctx context.Context, out io.Writer, paths []string, strict, asJSON, quiet bool) int {
	if len(paths) == 0 {
		paths = []string{"."}
	}

	l := loader.New(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer l.Close(ctx)

	exitCode := 0
	allResults := make(map[string]*Result)

	for _, path := range paths {
		files, err := unitFiles(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", path, err)
			exitCode = 1
			continue
		}
		for _, f := range files {
			result, err := check(ctx, l, f)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error checking file %s: %v\n", f, err)
				exitCode = 1
				continue
			}
			allResults[f] = result
		}
	}

	if asJSON {
		outputJSON(out, allResults)
	} else {
		outputText(out, allResults, quiet, strict)
	}

	for _, result := range allResults {
		if !result.Valid {
			exitCode = 1
		}
		if strict && len(result.Warnings) > 0 {
			exitCode = 1
		}
	}
	return exitCode
}

// unitFiles expands path into the unit files it names. Directory entries
// must follow the storage naming convention; files named explicitly may
// also be plain name.js or name.wasm.
func unitFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, _, ok := unit.ParseFileName(e.Name()); ok {
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	return files, nil
}

func identify(path string) (string, unit.Kind, error) {
	base := filepath.Base(path)
	if name, kind, ok := unit.ParseFileName(base); ok {
		return name, kind, nil
	}

	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	switch strings.ToLower(ext) {
	case ".js":
		return name, unit.KindJS, nil
	case ".wasm":
		return name, unit.KindWASM, nil
	}
	return "", "", fmt.Errorf("unrecognized unit file %q", base)
}

func check(ctx context.Context, l *loader.Loader, path string) (*Result, error) {
	name, kind, err := identify(path)
	if err != nil {
		return nil, err
	}
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	result := &Result{Name: name, Kind: kind, Symbol: unit.SymbolName(name)}
	if err := unit.ValidateName(name); err != nil {
		result.Error = err.Error()
		return result, nil
	}

	exe, err := l.Load(ctx, unit.Unit{Name: name, Kind: kind, Source: source})
	if err != nil {
		var loadErr *loader.LoadError
		if errors.As(err, &loadErr) {
			result.Reason = loadErr.Reason
		}
		result.Error = err.Error()
		return result, nil
	}

	result.Valid = true
	result.Capabilities = exe.Capabilities()
	supported := false
	for _, c := range dispatch.DefaultCapabilities {
		if exe.Supports(c) {
			supported = true
			break
		}
	}
	if !supported {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("declares none of %s; invocations will fail", strings.Join(dispatch.DefaultCapabilities, ", ")))
	}
	return result, nil
}

func outputJSON(out io.Writer, results map[string]*Result) {
	output := struct {
		Results map[string]*Result `json:"results"`
		Summary struct {
			Total   int `json:"total"`
			Valid   int `json:"valid"`
			Invalid int `json:"invalid"`
		} `json:"summary"`
	}{
		Results: results,
	}

	for _, r := range results {
		output.Summary.Total++
		if r.Valid {
			output.Summary.Valid++
		} else {
			output.Summary.Invalid++
		}
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	enc.Encode(output)
}

func outputText(out io.Writer, results map[string]*Result, quiet, strict bool) {
	validCount := 0
	invalidCount := 0

	paths := make([]string, 0, len(results))
	for path := range results {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		result := results[path]
		if result.Valid && len(result.Warnings) == 0 && quiet {
			validCount++
			continue
		}

		if result.Valid {
			validCount++
			if !quiet {
				fmt.Fprintf(out, "✓ %s (%s: %s)\n", path, result.Symbol, strings.Join(result.Capabilities, ", "))
			}
		} else {
			invalidCount++
			fmt.Fprintf(out, "✗ %s\n", path)
			fmt.Fprintf(out, "  ERROR: %s\n", result.Error)
		}

		if !quiet || strict {
			for _, warn := range result.Warnings {
				fmt.Fprintf(out, "  WARN:  %s\n", warn)
			}
		}
	}

	if !quiet {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Summary: %d valid, %d invalid\n", validCount, invalidCount)
	}
}
