package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/codefionn/sessionrelay/internal/configstore"
	"github.com/codefionn/sessionrelay/internal/lockfile"
)

var (
	sessionsJSON       bool
	sessionDescription string
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and edit the stored session list",
	Long: `Read or change the session store directly. A running server picks up additions
only when it watches the session file; use the HTTP API to start sessions on a live server.`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		entries, err := store.List(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}

		if sessionsJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if entries == nil {
				entries = []configstore.Entry{}
			}
			return enc.Encode(entries)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tDESCRIPTION")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\n", e.SessionID, e.Description)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		if holder, running, err := lockfile.Holder(cfg.LockPath()); err == nil && running {
			fmt.Fprintf(cmd.ErrOrStderr(), "\nserved by pid %d on %s since %s\n",
				holder.PID, holder.Addr, holder.StartedAt.Local().Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var sessionsAddCmd = &cobra.Command{
	Use:   "add <session-id>",
	Short: "Add a session to the store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		added, err := store.AddIfAbsent(cmd.Context(), configstore.Entry{SessionID: args[0], Description: sessionDescription})
		if err != nil {
			return fmt.Errorf("failed to add session: %w", err)
		}
		if !added {
			fmt.Fprintf(cmd.OutOrStdout(), "session %s is already stored\n", args[0])
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "session %s added\n", args[0])
		return nil
	},
}

var sessionsRemoveCmd = &cobra.Command{
	Use:   "remove <session-id>",
	Short: "Remove a session from the store",
	Long: `Remove a session from the store. Its credentials stay on disk; log the session out
through the API to unlink the device as well.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		if err := store.Remove(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("failed to remove session: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "session %s removed\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd, sessionsAddCmd, sessionsRemoveCmd)

	sessionsListCmd.Flags().BoolVar(&sessionsJSON, "json", false, "Print the list as JSON")
	sessionsAddCmd.Flags().StringVar(&sessionDescription, "description", "", "Free-form description")
}
