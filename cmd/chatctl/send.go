package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ehrlich-b/marketchat/internal/chat"
)

func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <text>",
		Short: "Connect, send one message and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv(cmd, true)
			if err != nil {
				return err
			}
			defer env.Close()
			to, _ := cmd.Flags().GetString("to")
			contextID, _ := cmd.Flags().GetString("context")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			if to == "" {
				return errors.New("--to is required")
			}

			m := chat.NewManager(managerOptions(env.cfg, env.token, env.log, nil))
			defer m.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			msg, err := sendOnce(ctx, m, chat.Envelope{
				ID:         uuid.NewString(),
				SenderID:   env.identity,
				ReceiverID: to,
				Content:    args[0],
				ContextID:  contextID,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s in %s\n", msg.ID, to, msg.ConversationID)
			return nil
		},
	}
	cmd.Flags().String("to", "", "Recipient identity")
	cmd.Flags().String("context", "", "Context id, e.g. listing-42")
	cmd.Flags().Duration("timeout", 15*time.Second, "How long to wait for the session to open")
	return cmd
}

// sendOnce opens the sender's session, waits for it to open and sends env once.
func sendOnce(ctx context.Context, m *chat.Manager, env chat.Envelope) (chat.Envelope, error) {
	m.Connect(env.SenderID)
	if err := m.WaitOpen(ctx, env.SenderID); err != nil {
		return env, fmt.Errorf("session did not open: %w", err)
	}
	env = env.Normalize()
	if !m.Send(ctx, env) {
		return env, errors.New("message not sent")
	}
	return env, nil
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Try to open a session and report its status",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv(cmd, true)
			if err != nil {
				return err
			}
			defer env.Close()
			timeout, _ := cmd.Flags().GetDuration("timeout")

			m := chat.NewManager(managerOptions(env.cfg, env.token, env.log, nil))
			defer m.Close()
			m.Connect(env.identity)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			waitErr := m.WaitOpen(ctx, env.identity)
			st := m.Status(env.identity)
			fmt.Fprintf(cmd.OutOrStdout(), "identity:   %s\nserver:     %s\nstate:      %s\nconnected:  %v\nconnecting: %v\nerror:      %v\n",
				env.identity, env.cfg.Server.URL, st.State, st.IsConnected, st.IsConnecting, st.HasError)
			if waitErr != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "reason:     %v\n", waitErr)
			}
			return nil
		},
	}
	cmd.Flags().Duration("timeout", 10*time.Second, "How long to wait for the session to open")
	return cmd
}
