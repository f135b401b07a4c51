package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/leadrelay/internal/db"
	"github.com/stupiduntilnot/leadrelay/internal/history"
)

func newHistoryCmd() *cobra.Command {
	var (
		path  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "history <chat_id>",
		Short: "Print the history the relay would replay for a chat, one JSON line per message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chatID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid chat_id %q: %w", args[0], err)
			}
			store := history.NewStore(path, zerolog.Nop(), nil)
			messages, err := store.Retrieve(chatID, limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetEscapeHTML(false)
			for _, m := range messages {
				if err := enc.Encode(m); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", envOrDefault("LEADRELAY_HISTORY_PATH", history.DefaultPath), "history JSONL file")
	cmd.Flags().IntVar(&limit, "limit", history.DefaultRetrieveLimit, "number of most recent messages")
	return cmd
}

func newEventsCmd() *cobra.Command {
	var (
		dbPath  string
		eventID int64
		chatID  int64
		jsonOut bool
		opts    db.TreeOptions
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print the event journal of the latest (or a given) relay process as a tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dbPath == "" {
				return fmt.Errorf("no event journal: set --db or LEADRELAY_DB_PATH")
			}
			database, err := db.OpenReadOnly(dbPath)
			if err != nil {
				return err
			}
			defer database.Close()

			rootID := eventID
			if rootID == 0 {
				rootID, err = db.LatestProcessRoot(database)
				if err != nil {
					return fmt.Errorf("find process root: %w", err)
				}
			}
			root, err := db.LoadTree(database, rootID)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("chat") {
				root = db.ForChat(root, chatID)
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(db.ToJSON(root, opts))
			}
			db.WriteTree(out, root, opts)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", envOrDefault("LEADRELAY_DB_PATH", ""), "SQLite event journal path")
	cmd.Flags().Int64Var(&eventID, "id", 0, "show subtree of a specific event ID")
	cmd.Flags().Int64Var(&chatID, "chat", 0, "only show turns of this chat")
	cmd.Flags().IntVarP(&opts.MaxDepth, "depth", "L", 0, "limit display depth (0 = unlimited)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON format")
	cmd.Flags().BoolVar(&opts.NoPayload, "no-payload", false, "hide payload details")
	return cmd
}
