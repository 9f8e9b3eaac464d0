package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/grokify/mediasniff/pkg/backend"
	"github.com/grokify/mediasniff/pkg/config"
	"github.com/grokify/mediasniff/pkg/detect"
)

// JournalSource identifies command-line records in the detection journal.
const JournalSource = "cli"

type detectOptions struct {
	rulesFile string
	rules     string
	noHint    bool
	json      bool
	explain   bool
	journal   journalOverrides
}

func newDetectCmd(global *globalOptions) *cobra.Command {
	opts := &detectOptions{}

	cmd := &cobra.Command{
		Use:   "detect [file...]",
		Short: "Detect the media type of files",
		Long: `Detect the media type of each file from its content.

Standard input is read when no file is given or the file is "-". The file
name is used as a hint only when no signature matches.

Examples:
  # Detect a few files
  mediasniff detect report.pdf logo.png

  # Use a custom rule set and print JSON
  mediasniff detect --rules-file rules.yaml --json data.bin

  # Show every candidate that was considered
  mediasniff detect --explain archive.tar.gz

  # Record results in a SQLite journal
  mediasniff detect --db sqlite://detections.db *.bin`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDetect(cmd, global, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.rulesFile, "rules-file", "", "Rule-set file (replaces the built-in rules)")
	cmd.Flags().StringVar(&opts.rules, "rules", "", "Inline rule-set document (replaces the built-in rules)")
	cmd.Flags().BoolVar(&opts.noHint, "no-hint", false, "Ignore file names")
	cmd.Flags().BoolVar(&opts.json, "json", false, "Print one JSON object per file")
	cmd.Flags().BoolVar(&opts.explain, "explain", false, "Include every candidate considered")
	cmd.Flags().StringVar(&opts.journal.path, "journal", "", "Append results to an NDJSON journal file")
	cmd.Flags().StringVar(&opts.journal.db, "db", "", "Record results in a database (sqlite://path or postgres://...)")

	return cmd
}

// detectOutput is the --json form of a result.
type detectOutput struct {
	File string `json:"file"`
	detect.Result
	Error string `json:"error,omitempty"`
}

func runDetect(cmd *cobra.Command, global *globalOptions, opts *detectOptions, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := global.loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Verbose)

	eng, err := newEngine(rulesSource(cfg, opts.rulesFile, opts.rules), logger, nil)
	if err != nil {
		return err
	}
	d, err := eng.Detector()
	if err != nil {
		return err
	}

	jc := opts.journal.apply(cfg.Journal)
	if jc.Driver == config.JournalMemory {
		// Nothing would outlive the process.
		jc.Driver = config.JournalNone
	}
	j, err := openJournal(ctx, jc, nil, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := j.Close(context.Background()); err != nil {
			logger.Warn("journal close failed", "error", err)
		}
	}()

	if len(args) == 0 {
		args = []string{"-"}
	}
	useHint := cfg.Detect.UseFilenameHint && !opts.noHint
	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)

	var failed int
	for _, name := range args {
		start := time.Now()
		res, err := detectFile(ctx, d, cmd.InOrStdin(), name, useHint)
		if err != nil {
			failed++
			logger.Error("detection failed", "file", name, "error", err)
			if opts.json {
				_ = enc.Encode(detectOutput{File: name, Error: err.Error()})
			}
			continue
		}

		rec := backend.NewRecord(JournalSource, name, d.Repository().Fingerprint(), res, start, time.Since(start))
		if err := j.store.Store(ctx, rec); err != nil {
			logger.Warn("journal store failed", "error", err)
		}

		if !opts.explain {
			res.Signatures, res.Hints = nil, nil
		}
		if opts.json {
			if err := enc.Encode(detectOutput{File: name, Result: res}); err != nil {
				return err
			}
			continue
		}
		printResult(out, name, res, opts.explain)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files could not be read", failed, len(args))
	}
	return nil
}

func detectFile(ctx context.Context, d *detect.Detector, stdin io.Reader, name string, useHint bool) (detect.Result, error) {
	if name == "-" {
		return d.DetectContext(ctx, stdin, "", false)
	}
	f, err := os.Open(name)
	if err != nil {
		return detect.Result{}, &detect.IOError{Err: err}
	}
	defer f.Close()

	return d.DetectContext(ctx, f, name, useHint)
}

func printResult(w io.Writer, name string, res detect.Result, explain bool) {
	ext := res.Extension
	if ext == "" {
		ext = "-"
	}
	fmt.Fprintf(w, "%s: %s %s (%s)\n", name, res.MediaType, ext, res.Method)
	if !explain {
		return
	}
	if res.Rule != "" {
		fmt.Fprintf(w, "  rule: %s\n", res.Rule)
	}
	for _, c := range res.Signatures {
		fmt.Fprintf(w, "  signature %s priority=%d literal=%d (%s)\n", c.Type, c.Priority, c.Literal, c.Rule)
	}
	for _, c := range res.Hints {
		fmt.Fprintf(w, "  hint %s literal=%d (%s)\n", c.Type, c.Literal, c.Rule)
	}
	for _, a := range res.Ancestors {
		fmt.Fprintf(w, "  is-a %s\n", a)
	}
}
