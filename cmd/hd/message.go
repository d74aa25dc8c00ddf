package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/hiredrive/internal/messaging"
)

func newMessageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Inspect stored chat messages",
	}

	cmd.AddCommand(newMessageHistoryCmd())
	cmd.AddCommand(newMessageReadCmd())
	return cmd
}

func newMessageHistoryCmd() *cobra.Command {
	var (
		configPath string
		since      uint64
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "history <booking-id>",
		Short: "Show a booking's chat history",
		Long:  "Lists the messages of a booking in order, oldest first.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			store, err := messaging.NewGormStore(gormDB)
			if err != nil {
				return err
			}

			msgs, err := store.History(cmd.Context(), args[0], messaging.HistoryOpts{AfterSeq: since, Limit: limit})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(msgs) == 0 {
				fmt.Fprintf(out, "No messages for booking %s\n", args[0])
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SEQ\tID\tFROM\tTYPE\tREAD\tSENT\tMESSAGE")
			for _, m := range msgs {
				read := "no"
				if m.Read {
					read = "yes"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
					m.Seq, m.ID, senderLabel(m.SenderName, m.SenderID), m.SenderType, read,
					m.CreatedAt.Format("2006-01-02 15:04"), m.Text)
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to hiredrive config file")
	cmd.Flags().Uint64Var(&since, "since", 0, "only show messages after this sequence number")
	cmd.Flags().IntVar(&limit, "limit", messaging.DefaultHistoryLimit, "maximum messages to show")
	return cmd
}

func newMessageReadCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "read <message-id>",
		Short: "Mark a message as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			store, err := messaging.NewGormStore(gormDB)
			if err != nil {
				return err
			}
			if err := store.MarkRead(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Marked message %s as read\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to hiredrive config file")
	return cmd
}

func senderLabel(name, id string) string {
	if name == "" {
		return id
	}
	return fmt.Sprintf("%s (%s)", name, id)
}
