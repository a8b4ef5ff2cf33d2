// Command tagtreed opens a tagtree index directory and serves the Index
// Server's public contract behind a trivial line-oriented REPL, standing in
// for the "thin adapter surface" spec.md places out of scope. Grounded on
// cmd/influxd/main.go's cobra command wiring.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Jimx-/tagtree"
	"github.com/Jimx-/tagtree/label"
	"github.com/Jimx-/tagtree/wal"
)

var (
	configPath    string
	seriesBackend = tagtree.SeriesBackendSegment
)

// seriesBackendFlag adapts tagtree.SeriesBackend to pflag.Value so
// --series-backend rejects anything but the two known backend names at
// parse time instead of at Config.Validate time.
type seriesBackendFlag struct{ value *tagtree.SeriesBackend }

func (f seriesBackendFlag) String() string { return string(*f.value) }
func (f seriesBackendFlag) Type() string   { return "series-backend" }
func (f seriesBackendFlag) Set(s string) error {
	switch tagtree.SeriesBackend(s) {
	case tagtree.SeriesBackendSegment, tagtree.SeriesBackendBBolt:
		*f.value = tagtree.SeriesBackend(s)
		return nil
	default:
		return fmt.Errorf("must be %q or %q", tagtree.SeriesBackendSegment, tagtree.SeriesBackendBBolt)
	}
}

var _ pflag.Value = seriesBackendFlag{}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tagtreed",
		Short: "run a tagtree index server against a directory",
		RunE:  runE,
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a TOML config file (--index-dir and the other flags override its values)")
	cmd.Flags().String("index-dir", "", "index directory to open")
	cmd.Flags().Int("cache-size", 0, "page cache capacity in pages (0 = use default)")

	cmd.Flags().Var(seriesBackendFlag{&seriesBackend}, "series-backend", "series store backend (segment|bbolt)")

	return cmd
}

func loadConfig(cmd *cobra.Command) (tagtree.Config, error) {
	cfg := tagtree.NewConfig()

	if configPath != "" {
		if _, err := toml.DecodeFile(configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("tagtreed: decode config %s: %w", configPath, err)
		}
	}

	if dir, _ := cmd.Flags().GetString("index-dir"); dir != "" {
		cfg.IndexDir = dir
	}
	if size, _ := cmd.Flags().GetInt("cache-size"); size > 0 {
		cfg.CacheSize = size
	}
	if cmd.Flags().Changed("series-backend") {
		cfg.SeriesBackend = seriesBackend
	}
	return cfg, nil
}

func runE(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	srv, err := tagtree.Open(cfg, tagtree.Options{Log: os.Stderr})
	if err != nil {
		return fmt.Errorf("tagtreed: open index %s: %w", cfg.IndexDir, err)
	}
	defer srv.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "tagtree index open at %s (current tsid %d)\n", cfg.IndexDir, srv.CurrentTSID())
	return repl(cmd, srv)
}

// repl is a minimal, line-oriented command loop for manual testing:
//
//	add name=value,name=value [timestamp]
//	resolve name=value,name=value [start] [end]
//	compact
//	stats
func repl(cmd *cobra.Command, srv *tagtree.Server) error {
	out := cmd.OutOrStdout()
	scanner := bufio.NewScanner(cmd.InOrStdin())
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Fprint(out, "> ")
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "add":
			handleAdd(out, srv, fields[1:])
		case "resolve":
			handleResolve(out, srv, fields[1:])
		case "compact":
			if err := srv.ManualCompact(); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			} else {
				fmt.Fprintln(out, "ok")
			}
		case "stats":
			fmt.Fprintf(out, "current_tsid=%d\n", srv.CurrentTSID())
		case "quit", "exit":
			return nil
		default:
			fmt.Fprintf(out, "unknown command %q (add|resolve|compact|stats|quit)\n", fields[0])
		}
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}

func parseLabels(spec string) (label.Set, error) {
	var lset label.Set
	for _, pair := range strings.Split(spec, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("bad label %q, expected name=value", pair)
		}
		lset = append(lset, label.Label{Name: kv[0], Value: kv[1]})
	}
	return lset, nil
}

func handleAdd(out io.Writer, srv *tagtree.Server, args []string) {
	if len(args) == 0 {
		fmt.Fprintln(out, "usage: add name=value,... [timestamp]")
		return
	}
	lset, err := parseLabels(args[0])
	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		return
	}
	var t uint64
	if len(args) > 1 {
		t, _ = strconv.ParseUint(args[1], 10, 64)
	}

	tsid, inserted, err := srv.AddSeries(t, lset)
	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		return
	}
	if err := srv.Commit([]wal.SeriesRef{{TSID: tsid, Timestamp: t, Labels: lset}}); err != nil {
		fmt.Fprintf(out, "error: commit: %v\n", err)
		return
	}
	fmt.Fprintf(out, "tsid=%d inserted=%v\n", tsid, inserted)
}

func handleResolve(out io.Writer, srv *tagtree.Server, args []string) {
	if len(args) == 0 {
		fmt.Fprintln(out, "usage: resolve name=value,... [start] [end]")
		return
	}
	lset, err := parseLabels(args[0])
	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		return
	}

	start, end := uint64(0), ^uint64(0)
	if len(args) > 1 {
		start, _ = strconv.ParseUint(args[1], 10, 64)
	}
	if len(args) > 2 {
		end, _ = strconv.ParseUint(args[2], 10, 64)
	}

	matchers := make([]*label.Matcher, len(lset))
	for i, l := range lset {
		matchers[i] = &label.Matcher{Op: label.EQ, Name: l.Name, Value: l.Value}
	}

	result, err := srv.ResolveLabelMatchers(matchers, start, end)
	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		return
	}
	fmt.Fprintf(out, "%v\n", result.ToArray())
}
