package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"dynstack.ai/internal/persistence/snapshot"
)

var (
	dataDir string
	dbPath  string
	baseURL string
	limit   int
	session string
	outcome string
)

var rootCmd = &cobra.Command{
	Use:          "dynstack-admin",
	Short:        "Inspect runtime data of a planning server",
	SilenceUsage: true,
}

var recordingsCmd = &cobra.Command{
	Use:   "recordings",
	Short: "List snapshot recordings under the data directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listRecordings(cmd.OutOrStdout(), filepath.Join(dataDir, "recordings"))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "./data", "runtime data directory")

	dbCmd.Flags().StringVar(&dbPath, "db", "", "sqlite index path (default: <data>/index/plans.sqlite)")
	dbCmd.Flags().IntVar(&limit, "limit", 20, "result limit")
	dbCmd.Flags().StringVar(&session, "session", "", "session filter (plans, kpis)")
	dbCmd.Flags().StringVar(&outcome, "outcome", "", "outcome filter (plans)")

	stateCmd.Flags().StringVar(&baseURL, "url", "http://127.0.0.1:8080", "server base url")

	rootCmd.AddCommand(recordingsCmd, dbCmd, stateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type recordingRow struct {
	File string `json:"file"`
	snapshot.Header
}

func listRecordings(w io.Writer, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), snapshot.Ext) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		h, err := snapshot.ReadHeader(filepath.Join(dir, name))
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
			continue
		}
		printJSON(w, recordingRow{File: name, Header: h})
	}
	return nil
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
