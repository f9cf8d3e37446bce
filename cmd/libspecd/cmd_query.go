package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/alucardeht/libspecd/internal/ledger"
)

var (
	noCreate    bool
	currentDoc  string
	jsonOutput  bool
	historyLast int
)

var getCmd = &cobra.Command{
	Use:   "get [library]",
	Short: "Look up a library, generating its spec if needed",
	Long: `Resolves a library by name or path through workspace, search path,
additional, user cache and builtin folders, regenerating a missing or stale
spec unless --no-create is given.

Examples:
  libspecd get Collections
  libspecd get ./resources/helper.py
  libspecd get helper --doc ./tests/suite.robot`,
	Args: cobra.ExactArgs(1),
	RunE: runGet,
}

var namesCmd = &cobra.Command{
	Use:   "names",
	Short: "List the libraries with a usable spec",
	Args:  cobra.NoArgs,
	RunE:  runNames,
}

var historyCmd = &cobra.Command{
	Use:   "history [library]",
	Short: "Show recent spec generation attempts",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

func init() {
	getCmd.Flags().BoolVar(&noCreate, "no-create", false, "only consult existing specs")
	getCmd.Flags().StringVar(&currentDoc, "doc", "", "document the library is imported from, for sibling lookups")
	getCmd.Flags().BoolVar(&jsonOutput, "json", false, "print the full library as JSON")

	historyCmd.Flags().IntVarP(&historyLast, "limit", "n", 20, "number of attempts to show")
}

func runGet(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd.Context())
	defer cancel()

	svc, err := openService(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.manager.WaitBuiltins(ctx); err != nil {
		return err
	}

	libname := args[0]
	if _, err := os.Stat(libname); err == nil {
		if abs, err := filepath.Abs(libname); err == nil {
			libname = abs
		}
	}
	doc := currentDoc
	if doc != "" {
		if abs, err := filepath.Abs(doc); err == nil {
			doc = abs
		}
	}

	lib, ok := svc.manager.GetLibraryInfo(ctx, libname, !noCreate, doc)
	if !ok {
		return fmt.Errorf("library not found: %s", args[0])
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(lib)
	}

	fmt.Printf("%s %s\n", lib.Name, lib.Version)
	if lib.Source != "" {
		fmt.Printf("source: %s\n", lib.Source)
	}
	fmt.Printf("keywords: %d\n", len(lib.Keywords))
	for _, kw := range lib.Keywords {
		fmt.Printf("  %s\n", kw.Name)
	}
	return nil
}

func runNames(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd.Context())
	defer cancel()

	svc, err := openService(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.manager.WaitBuiltins(ctx); err != nil {
		return err
	}

	for _, name := range svc.manager.GetLibraryNames() {
		fmt.Println(name)
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openLedger(cfg)
	if err != nil {
		return err
	}
	if store == nil {
		return fmt.Errorf("ledger is disabled in the configuration")
	}
	defer store.Close()

	libname := ""
	if len(args) == 1 {
		libname = args[0]
	}

	attempts, err := store.Recent(libname, historyLast)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tLIBRARY\tSTATUS\tDURATION\tERROR")
	for _, a := range attempts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			a.CreatedAt.Local().Format(time.DateTime), a.Libname, a.Status,
			a.Duration.Round(time.Millisecond), a.ErrorMessage)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	summary, err := store.Summary()
	if err != nil {
		return err
	}
	fmt.Println(formatSummary(summary))
	return nil
}

func formatSummary(s *ledger.Summary) string {
	line := fmt.Sprintf("%d attempts: %d generated, %d skipped, %d failed, %d busy",
		s.Total, s.Generated, s.Skipped, s.Failed, s.Busy)
	if !s.LastAt.IsZero() {
		line += ", last " + s.LastAt.Local().Format(time.DateTime)
	}
	return line
}
