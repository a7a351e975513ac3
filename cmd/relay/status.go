package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/yourownai/relay/client"
	"github.com/yourownai/relay/internal/services"
)

var (
	addrFlag  string
	tokenFlag string
)

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&addrFlag, "addr", "a", "http://localhost:8765", "Relay base URL")
	cmd.Flags().StringVarP(&tokenFlag, "token", "t", os.Getenv("RELAY_PAIRING_TOKEN"), "Pairing token")
}

func newClient() (*client.Client, error) {
	return client.New(addrFlag, client.WithToken(tokenFlag), client.WithHTTPTimeout(10*time.Second))
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStatusCmd() *cobra.Command {
	var withSync bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a running relay's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx := context.Background()
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			out := struct {
				*services.Status
				Sync *services.SyncStatus `json:"sync,omitempty"`
			}{Status: st}
			if withSync {
				if out.Sync, err = c.SyncStatus(ctx); err != nil {
					return fmt.Errorf("sync status: %w", err)
				}
			}
			return printJSON(os.Stdout, out)
		},
	}
	addClientFlags(cmd)
	cmd.Flags().BoolVar(&withSync, "sync", false, "Include outbox and conflict details (needs the token)")
	return cmd
}

func newChatCmd() *cobra.Command {
	var conversationID, title string
	cmd := &cobra.Command{
		Use:   "chat MESSAGE",
		Short: "Send a message and print the streamed reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, stop := newServerContext()
			defer stop()
			if conversationID == "" {
				conv, err := c.CreateConversation(ctx, title, nil)
				if err != nil {
					return err
				}
				conversationID = conv.ID
				fmt.Fprintf(os.Stderr, "conversation %s\n", conv.ID)
			}
			st, err := c.Send(ctx, conversationID, services.SendRequest{Content: args[0]})
			if err != nil {
				return err
			}
			defer st.Close()
			for {
				f, err := st.Next()
				if err != nil {
					return err
				}
				if f.Terminal() {
					fmt.Fprintln(os.Stdout)
					if f.Reason != "" {
						return fmt.Errorf("generation ended: %s", f.Reason)
					}
					return nil
				}
				fmt.Fprint(os.Stdout, f.Text)
			}
		},
	}
	addClientFlags(cmd)
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "Existing conversation id")
	cmd.Flags().StringVar(&title, "title", "", "Title for a new conversation")
	return cmd
}
