package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/harun/shopassist/pkg/transcript"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var pruneMaxAgeDays int

var transcriptsCmd = &cobra.Command{
	Use:   "transcripts",
	Short: "Inspect and prune saved conversations",
}

var transcriptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved conversations, oldest first",
	Args:  cobra.NoArgs,
	RunE:  runTranscriptsList,
}

var transcriptsShowCmd = &cobra.Command{
	Use:   "show <conversation-id>",
	Short: "Print a saved conversation as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runTranscriptsShow,
}

var transcriptsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete conversations older than the retention period",
	Args:  cobra.NoArgs,
	RunE:  runTranscriptsPrune,
}

func init() {
	transcriptsPruneCmd.Flags().IntVar(&pruneMaxAgeDays, "max-age-days", 0, "retention in days (defaults to transcripts.max_age_days)")
	transcriptsCmd.AddCommand(transcriptsListCmd, transcriptsShowCmd, transcriptsPruneCmd)
	rootCmd.AddCommand(transcriptsCmd)
}

// openTranscriptStore returns the store and the configured retention in
// days. Store logs are discarded.
func openTranscriptStore() (*transcript.Store, int, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, 0, err
	}
	zl := zerolog.Nop()
	store, err := transcript.New(cfg.Transcripts.Dir, &zl)
	if err != nil {
		return nil, 0, err
	}
	return store, cfg.Transcripts.MaxAgeDays, nil
}

func runTranscriptsList(cmd *cobra.Command, args []string) error {
	store, _, err := openTranscriptStore()
	if err != nil {
		return err
	}
	list, err := store.List()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No transcripts")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CONVERSATION\tSIZE\tUPDATED")
	for _, info := range list {
		fmt.Fprintf(w, "%s\t%d\t%s\n", info.ConversationID, info.Size, info.ModTime.Format(time.RFC3339))
	}
	return w.Flush()
}

func runTranscriptsShow(cmd *cobra.Command, args []string) error {
	store, _, err := openTranscriptStore()
	if err != nil {
		return err
	}
	export, err := store.Load(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(export)
}

func runTranscriptsPrune(cmd *cobra.Command, args []string) error {
	store, days, err := openTranscriptStore()
	if err != nil {
		return err
	}
	if pruneMaxAgeDays > 0 {
		days = pruneMaxAgeDays
	}
	if days <= 0 {
		return fmt.Errorf("retention must be at least one day")
	}

	n, err := store.Prune(cmd.Context(), time.Duration(days)*24*time.Hour)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d transcripts older than %d days\n", n, days)
	return nil
}
