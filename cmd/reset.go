package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	resetDB      bool
	resetMetrics bool
	resetYes     bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset stored state (outcome journal, metrics file)",
	Long:  "Clears stored data. By default, it resets everything. Use flags to clear specific components.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetMetrics {
			resetDB = true
			resetMetrics = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB {
			if DB == nil {
				fmt.Println("⏭️  No database configured, skipping journal.")
			} else if resetYes || confirm(reader, os.Stdout, "⚠️  Are you sure you want to DROP the outcome journal?") {
				fmt.Println("🗑️  Clearing Journal...")
				if err := DB.Reset(cmd.Context()); err != nil {
					return fmt.Errorf("failed to reset database: %w", err)
				}
			}
		}

		if resetMetrics {
			path := viper.GetString("metrics-file")
			if path == "" {
				fmt.Println("⏭️  No metrics file configured, skipping metrics.")
			} else if resetYes || confirm(reader, os.Stdout, fmt.Sprintf("⚠️  Are you sure you want to delete %s?", path)) {
				fmt.Println("🗑️  Clearing Metrics File...")
				removeFile(path)
			}
		}

		fmt.Println("✨ Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "journal", false, "Drop the PostgreSQL outcome journal")
	resetCmd.Flags().BoolVar(&resetMetrics, "metrics", false, "Delete the metrics textfile")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	resetCmd.Flags().String("metrics-file", "", "Metrics textfile to delete")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
