package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [conversation]",
		Short: "List local conversations, or print one conversation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv(cmd, false)
			if err != nil {
				return err
			}
			defer env.Close()
			limit, _ := cmd.Flags().GetInt("limit")

			store, err := openHistory(env)
			if err != nil {
				return err
			}
			defer store.Close()
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				msgs, err := store.Conversation(args[0], limit)
				if err != nil {
					return err
				}
				for _, m := range msgs {
					at := m.ReceivedAt
					if m.SentAt != nil {
						at = *m.SentAt
					}
					fmt.Fprintf(out, "[%s] <%s> %s\n", at.Local().Format("2006-01-02 15:04"), m.SenderID, m.Content)
				}
				return nil
			}

			if env.identity == "" {
				return fmt.Errorf("no identity: set identity in config or run chatctl login")
			}
			threads, err := store.Conversations(env.identity)
			if err != nil {
				return err
			}
			if len(threads) == 0 {
				fmt.Fprintln(out, "no conversations")
				return nil
			}
			for _, t := range threads {
				about := ""
				if t.ContextID != "" {
					about = " (" + t.ContextID + ")"
				}
				fmt.Fprintf(out, "%-12s%s  %d msgs  last: %s\n    %s\n", t.Counterpart, about, t.Count, t.LastContent, t.ConversationID)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 50, "Messages to show for one conversation (0 for all)")
	return cmd
}
