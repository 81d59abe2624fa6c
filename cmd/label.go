package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var labelCmd = &cobra.Command{
	Use:         "label <session_id> <name>",
	Short:       "Assign a name to a journaled session",
	Args:        cobra.ExactArgs(2),
	Annotations: map[string]string{requiresDB: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runLabel(cmd.Context(), args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}

func runLabel(ctx context.Context, sessionID, name string) error {
	// Database is initialized in Root PersistentPreRunE
	if err := DB.LabelSession(ctx, sessionID, name); err != nil {
		return fmt.Errorf("failed to label session: %w", err)
	}

	fmt.Printf("✅ Session %s labeled as '%s'\n", sessionID, name)
	return nil
}
