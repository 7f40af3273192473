// Command lspmux is a command-line front end for the multiplexing LSP
// client engine: it spawns the right language server for a file and runs
// diagnostics, symbol searches, and server management against it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dshills/lspmux/internal/lsp"
)

var (
	flagWorkspace string
	flagConfig    string
	flagVerbose   bool
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:           "lspmux",
		Short:         "Multiplexing LSP client",
		Long:          "lspmux launches and talks to per-language LSP servers, routing requests by file extension.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&flagWorkspace, "workspace", "w", ".", "workspace root directory")
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to a server descriptor config file")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(serversCmd(), checkCmd(), symbolsCmd(), preloadCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// buildEngine assembles the engine from flags.
func buildEngine() (*lsp.Engine, *zap.Logger, error) {
	level := zapcore.InfoLevel
	if flagVerbose {
		level = zapcore.DebugLevel
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(os.Stderr), level)
	logger := zap.New(core)

	var user []lsp.ServerDescriptor
	if flagConfig != "" {
		var err error
		user, err = lsp.LoadDescriptors(flagConfig)
		if err != nil {
			return nil, nil, err
		}
	}
	descriptors := lsp.MergeDescriptors(user, lsp.DefaultDescriptors())

	engine := lsp.NewEngine(descriptors,
		lsp.WithWorkspace(flagWorkspace),
		lsp.WithLogger(logger),
	)
	return engine, logger, nil
}

func serversCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "List configured language servers and their availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, logger, err := buildEngine()
			if err != nil {
				return err
			}
			defer logger.Sync()

			for _, d := range engine.Descriptors() {
				state := "missing"
				if d.Available() {
					state = "installed"
				}
				exts := make([]string, len(d.Extensions))
				copy(exts, d.Extensions)
				sort.Strings(exts)
				fmt.Printf("%-45s %-10s .%s\n", d.Signature(), state, strings.Join(exts, " ."))
			}
			return nil
		},
	}
}

func checkCmd() *cobra.Command {
	var severity string
	cmd := &cobra.Command{
		Use:   "check <file>",
		Short: "Report diagnostics for a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, logger, err := buildEngine()
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer engine.Shutdown(context.Background())

			diags, err := engine.FileDiagnostics(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if severity != "" {
				max, err := parseSeverity(severity)
				if err != nil {
					return err
				}
				diags = lsp.FilterBySeverity(diags, max)
			}

			if len(diags) == 0 {
				fmt.Println("no diagnostics")
				return nil
			}
			for _, d := range diags {
				fmt.Printf("%s: %s\n", args[0], lsp.FormatDiagnostic(d))
			}

			errs, warns, info, hints := lsp.Categorize(diags).Counts()
			fmt.Printf("%d errors, %d warnings, %d info, %d hints\n", errs, warns, info, hints)
			return nil
		},
	}
	cmd.Flags().StringVarP(&severity, "severity", "s", "", "minimum severity to report (error, warning, info, hint)")
	return cmd
}

func parseSeverity(s string) (lsp.DiagnosticSeverity, error) {
	switch strings.ToLower(s) {
	case "error":
		return lsp.SeverityError, nil
	case "warning":
		return lsp.SeverityWarning, nil
	case "info":
		return lsp.SeverityInformation, nil
	case "hint":
		return lsp.SeverityHint, nil
	default:
		return 0, fmt.Errorf("unknown severity %q", s)
	}
}

func symbolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "symbols <extension> <query>",
		Short: "Search workspace symbols via the server for an extension",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, logger, err := buildEngine()
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer engine.Shutdown(context.Background())

			syms, err := engine.SearchSymbols(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if len(syms) == 0 {
				fmt.Println("no symbols found")
				return nil
			}
			for _, s := range syms {
				path := lsp.URIToFilePath(s.Location.URI)
				fmt.Printf("%s\t%s:%d\n", s.Name, path, s.Location.Range.Start.Line+1)
			}
			return nil
		},
	}
}

func preloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preload <extension>...",
		Short: "Start servers for the given extensions ahead of use",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, logger, err := buildEngine()
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer engine.Shutdown(context.Background())

			if err := engine.PreloadServers(cmd.Context(), args); err != nil {
				fmt.Fprintf(os.Stderr, "some servers failed to start:\n%v\n", err)
			}
			for sig, status := range engine.Status() {
				fmt.Printf("%-45s %s\n", sig, status)
			}
			if failed := engine.FailedServers(); len(failed) > 0 {
				fmt.Printf("failed: %s\n", strings.Join(failed, ", "))
			}
			return nil
		},
	}
}
