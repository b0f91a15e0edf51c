package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"bizmsg/internal/config"
	"bizmsg/internal/models"
	"bizmsg/internal/validation"

	"github.com/spf13/cobra"
)

const defaultAddr = "http://localhost:8085"

type rootOptions struct {
	addr    string
	token   string
	timeout time.Duration
	json    bool
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:          "bizmsgctl",
		Short:        "Control a running bizmsg daemon",
		Long:         "Queue messages, inspect the offline queue and trigger syncs on a bizmsg daemon through its control API.",
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&opts.addr, "addr", defaultAddr, "Control API base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv(config.EnvControlKey), "Control API bearer token")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Request timeout")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "Print raw JSON responses")

	root.AddCommand(
		newSendCmd(opts),
		newStatusCmd(opts),
		newListCmd(opts, "pending", "List messages waiting to be sent", "/v1/messages"),
		newListCmd(opts, "failed", "List messages that exhausted their attempts", "/v1/messages/failed"),
		newDrainCmd(opts, "sync", "Send queued messages now", "/v1/sync"),
		newDrainCmd(opts, "retry", "Give failed messages a fresh set of attempts", "/v1/retry"),
		newDiscardCmd(opts),
		newDismissCmd(opts),
		newConnectivityCmd(opts, "online", true),
		newConnectivityCmd(opts, "offline", false),
		newForegroundCmd(opts, "foreground", true),
		newForegroundCmd(opts, "background", false),
	)
	return root
}

func (o *rootOptions) client() *controlClient {
	return newControlClient(o.addr, o.token, o.timeout)
}

func (o *rootOptions) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), o.timeout)
}

func newSendCmd(opts *rootOptions) *cobra.Command {
	var (
		messageType string
		mediaURL    string
	)

	cmd := &cobra.Command{
		Use:   "send <conversation-id> <content>",
		Short: "Queue a message for delivery",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := models.SendRequest{
				ConversationID: args[0],
				Content:        args[1],
				MessageType:    models.MessageType(messageType),
			}
			if mediaURL != "" {
				req.MediaURL = &mediaURL
			}
			if err := validation.ValidateOutgoingMessage(req.ConversationID, req.Content, req.MessageType, req.MediaURL); err != nil {
				return err
			}

			ctx, cancel := opts.context()
			defer cancel()

			var resp models.SendResponse
			if err := opts.client().do(ctx, http.MethodPost, "/v1/messages", req, &resp); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued %s\n", resp.ClientID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&messageType, "type", "t", string(models.MessageTypeText), "Message type (text, image, file, media, system)")
	cmd.Flags().StringVar(&mediaURL, "media-url", "", "Attachment URL for image, file and media messages")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the sync status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context()
			defer cancel()

			var status models.SyncStatus
			if err := opts.client().do(ctx, http.MethodGet, "/v1/status", nil, &status); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), status)
			}
			printStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
}

func newListCmd(opts *rootOptions, use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context()
			defer cancel()

			var messages []models.QueuedMessage
			if err := opts.client().do(ctx, http.MethodGet, path, nil, &messages); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), messages)
			}
			printMessages(cmd.OutOrStdout(), messages)
			return nil
		},
	}
}

func newDrainCmd(opts *rootOptions, use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context()
			defer cancel()

			var result models.DrainResult
			if err := opts.client().do(ctx, http.MethodPost, path, nil, &result); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), result)
			}
			if result.Skipped {
				fmt.Fprintln(cmd.OutOrStdout(), "A sync is already running")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent: %d  Failed: %d\n", len(result.Processed), len(result.Failed))
			return nil
		},
	}
}

func newDiscardCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <client-id>",
		Short: "Remove a pending or failed message without sending it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validation.ValidateClientID(args[0]); err != nil {
				return err
			}

			ctx, cancel := opts.context()
			defer cancel()

			if err := opts.client().do(ctx, http.MethodDelete, "/v1/messages/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Discarded %s\n", args[0])
			return nil
		},
	}
}

func newDismissCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dismiss-error",
		Short: "Clear the error shown in the sync status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context()
			defer cancel()

			return opts.client().do(ctx, http.MethodDelete, "/v1/status/error", nil, nil)
		},
	}
}

func newConnectivityCmd(opts *rootOptions, use string, online bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("Mark the daemon %s", use),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context()
			defer cancel()

			var status models.SyncStatus
			if err := opts.client().do(ctx, http.MethodPost, "/v1/connectivity", models.ConnectivityRequest{Online: online}, &status); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), status)
			}
			printStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
}

func newForegroundCmd(opts *rootOptions, use string, foreground bool) *cobra.Command {
	short := "Resume periodic syncing"
	if !foreground {
		short = "Pause periodic syncing"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context()
			defer cancel()

			return opts.client().do(ctx, http.MethodPost, "/v1/foreground", models.ForegroundRequest{Foreground: foreground}, nil)
		},
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStatus(w io.Writer, s models.SyncStatus) {
	connectivity := "offline"
	if s.IsOnline {
		connectivity = "online"
	}
	fmt.Fprintf(w, "Connectivity: %s\n", connectivity)
	fmt.Fprintf(w, "Syncing:      %t\n", s.IsSyncing)
	fmt.Fprintf(w, "Pending:      %d\n", s.PendingCount)
	fmt.Fprintf(w, "Failed:       %d\n", s.FailedCount)
	if s.LastSyncTime != nil {
		fmt.Fprintf(w, "Last sync:    %s\n", s.LastSyncTime.Format(time.RFC3339))
	} else {
		fmt.Fprintln(w, "Last sync:    never")
	}
	if s.Error != "" {
		fmt.Fprintf(w, "Error:        %s\n", s.Error)
	}
}

func printMessages(w io.Writer, messages []models.QueuedMessage) {
	if len(messages) == 0 {
		fmt.Fprintln(w, "No messages")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CLIENT ID\tCONVERSATION\tTYPE\tSTATE\tATTEMPTS\tLAST ERROR")
	for _, m := range messages {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			m.ClientID, m.ConversationID, m.MessageType, m.State, m.Attempts, m.MaxAttempts, m.LastError)
	}
	tw.Flush()
}
