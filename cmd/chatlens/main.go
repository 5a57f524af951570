// Command chatlens analyzes a chat CSV export from the command line.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/you/chatlens/internal/chatlog"
	"github.com/you/chatlens/internal/csvio"
	"github.com/you/chatlens/internal/dataset"
	"github.com/you/chatlens/internal/version"
)

var (
	// Global flags
	jsonOutput bool

	// words flags
	wordLimit int
	wordUser  string

	// export flags
	exportOut string
)

var rootCmd = &cobra.Command{
	Use:   "chatlens",
	Short: "chatlens - chat log normalizer and feature extractor",
	Long: `chatlens reads a Date,User,Message chat export, normalizes it and
derives per-message features (tokens, nonverbal expressions, URLs, lengths).

Run chatlensd to serve the same views over HTTP.`,
	Version:       fmt.Sprintf("%s (commit %s, built %s)", version.Version, version.Commit, version.BuildTime),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// analyzeCmd prints the dataset summary and drop counters.
var analyzeCmd = &cobra.Command{
	Use:   "analyze <file.csv>",
	Short: "Summarize a chat export",
	Args:  cobra.ExactArgs(1),
	RunE:  runAnalyze,
}

// wordsCmd ranks words overall or for one user.
var wordsCmd = &cobra.Command{
	Use:   "words <file.csv>",
	Short: "List the most frequent words",
	Args:  cobra.ExactArgs(1),
	RunE:  runWords,
}

var exportCmd = &cobra.Command{
	Use:   "export <file.csv>",
	Short: "Write the derived feature table as CSV",
	Long: `Writes one row per kept message with every derived column.
List columns are encoded as JSON arrays. Defaults to <name>_features.csv
next to the input; use -o - for stdout.`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Emit JSON instead of a table")

	wordsCmd.Flags().IntVarP(&wordLimit, "limit", "n", 50, "Number of words to list")
	wordsCmd.Flags().StringVarP(&wordUser, "user", "u", "", "Only count messages from this user")

	exportCmd.Flags().StringVarP(&exportOut, "output", "o", "", "Output path (- for stdout)")

	rootCmd.AddCommand(analyzeCmd, wordsCmd, exportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "chatlens:", err)
		os.Exit(1)
	}
}

func loadFile(path string) (*dataset.Dataset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	ds, err := dataset.Load(filepath.Base(path), dataset.OriginFile, raw)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return ds, nil
}

type analyzeReport struct {
	Dataset string          `json:"dataset"`
	Summary chatlog.Summary `json:"summary"`
	Stats   chatlog.Stats   `json:"stats"`
	Users   []chatlog.KV    `json:"users"`
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ds, err := loadFile(args[0])
	if err != nil {
		return err
	}
	report := analyzeReport{
		Dataset: ds.Name,
		Summary: chatlog.Summarize(ds.Records),
		Stats:   ds.Stats,
		Users:   chatlog.UserActivity(ds.Records, 10),
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, report)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "dataset\t%s\n", report.Dataset)
	fmt.Fprintf(tw, "rows seen\t%d\n", report.Stats.Seen)
	fmt.Fprintf(tw, "rows kept\t%d\n", report.Stats.Kept)
	for _, reason := range sortedKeys(report.Stats.Dropped) {
		fmt.Fprintf(tw, "dropped (%s)\t%d\n", reason, report.Stats.Dropped[reason])
	}
	fmt.Fprintf(tw, "users\t%d\n", report.Summary.Users)
	if report.Summary.First != nil {
		fmt.Fprintf(tw, "first\t%s\n", report.Summary.First.Format("2006-01-02 15:04"))
		fmt.Fprintf(tw, "last\t%s\n", report.Summary.Last.Format("2006-01-02 15:04"))
	}
	fmt.Fprintf(tw, "media\t%d\n", report.Summary.MediaMessages)
	fmt.Fprintf(tw, "urls\t%d\n", report.Summary.URLs)
	fmt.Fprintf(tw, "nonverbal\t%d\n", report.Summary.Nonverbal)
	if len(report.Users) > 0 {
		fmt.Fprintln(tw, "\ntop users\t")
		for _, kv := range report.Users {
			fmt.Fprintf(tw, "  %s\t%d\n", kv.Key, kv.Count)
		}
	}
	return tw.Flush()
}

func runWords(cmd *cobra.Command, args []string) error {
	if wordLimit <= 0 {
		return fmt.Errorf("--limit must be positive")
	}
	ds, err := loadFile(args[0])
	if err != nil {
		return err
	}
	var words []chatlog.KV
	if user := strings.TrimSpace(wordUser); user != "" {
		words = chatlog.UserTopWords(ds.Records, user, wordLimit)
	} else {
		words = chatlog.TopWords(ds.Records, wordLimit)
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, words)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for i, kv := range words {
		fmt.Fprintf(tw, "%d\t%s\t%d\n", i+1, kv.Key, kv.Count)
	}
	return tw.Flush()
}

func runExport(cmd *cobra.Command, args []string) error {
	ds, err := loadFile(args[0])
	if err != nil {
		return err
	}

	target := exportOut
	if target == "" {
		base := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
		target = filepath.Join(filepath.Dir(args[0]), base+"_features.csv")
	}
	if target == "-" {
		return csvio.WriteRecords(cmd.OutOrStdout(), ds.Records)
	}

	f, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if err := csvio.WriteRecords(f, ds.Records); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", target, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d records to %s\n", len(ds.Records), target)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
