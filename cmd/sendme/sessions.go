package main

import (
	"fmt"
	"os"
	"sendme/domain"
	"sendme/infrastructure/directory"
	"sendme/infrastructure/storage"
	"sendme/runtime/workers"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/database"
	"github.com/mama165/sdk-go/logs"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func sessionsCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and clean up stored sessions",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", database.DefaultPath, "path to the badger directory")
	cmd.AddCommand(listSessionsCmd(&dbPath), gcSessionsCmd(&dbPath))
	return cmd
}

func listSessionsCmd(dbPath *string) *cobra.Command {
	var participant string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, optionally those of one participant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := badger.Open(badger.DefaultOptions(*dbPath).
				WithReadOnly(true).
				WithBypassLockGuard(true).
				WithLogger(nil))
			if err != nil {
				return fmt.Errorf("database opening failed: %w", err)
			}
			defer db.Close()

			logger := logs.GetLoggerFromString(logLevel(cmd, "WARN"))
			sessions, err := directory.NewDirectory(db, logger).List(cmd.Context(), domain.ParticipantID(participant))
			if err != nil {
				return err
			}
			renderSessions(sessions)
			return nil
		},
	}
	cmd.Flags().StringVar(&participant, "participant", "", "only sessions this participant sends or receives")
	return cmd
}

func gcSessionsCmd(dbPath *string) *cobra.Command {
	var inactivity time.Duration
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete sessions idle for longer than the inactivity window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := badger.Open(badger.DefaultOptions(*dbPath).WithLoggingLevel(badger.WARNING))
			if err != nil {
				return fmt.Errorf("database opening failed: %w", err)
			}
			defer db.Close()

			logger := logs.GetLoggerFromString(logLevel(cmd, "INFO"))
			janitor := workers.NewJanitorWorker(logger,
				directory.NewDirectory(db, logger),
				storage.NewChunkRepository(db, logger),
				inactivity, inactivity)
			removed, err := janitor.Sweep(cmd.Context())
			fmt.Printf("%d session(s) removed\n", len(removed))
			return err
		},
	}
	cmd.Flags().DurationVar(&inactivity, "inactivity", 24*time.Hour, "idle time after which a session is removed")
	return cmd
}

func renderSessions(sessions []domain.Session) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Session", "Sender", "Receiver", "State", "Epoch", "Progress", "Content", "Last activity"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	for _, s := range sessions {
		id := string(s.ID)
		if len(id) > 8 {
			id = id[:8]
		}
		table.Append([]string{
			id,
			string(s.Sender),
			string(s.Receiver),
			s.State.String(),
			strconv.FormatUint(s.Epoch, 10),
			fmt.Sprintf("%d%% (%s)", s.Percent(), s.Acks),
			fmt.Sprintf("%s, %d bytes", s.Content.Name, s.Content.Size),
			s.LastActivity.Format(time.DateTime),
		})
	}
	table.Render()
}
