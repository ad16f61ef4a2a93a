package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"meshchat.dev/go/meshchat/internal/chat"
	"meshchat.dev/go/meshchat/internal/mesh"
)

var (
	chatFlag      string
	messagesTail  int
	messagesWatch bool
)

func init() {
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(messagesCmd)

	sendCmd.Flags().StringVar(&chatFlag, "chat", "", "chat id (default: the global chat)")
	messagesCmd.Flags().StringVar(&chatFlag, "chat", "", "chat id (default: the global chat)")
	messagesCmd.Flags().IntVarP(&messagesTail, "tail", "n", 0, "show only the last n messages")
	messagesCmd.Flags().BoolVarP(&messagesWatch, "follow", "f", false, "keep printing messages as they arrive")
}

var sendCmd = &cobra.Command{
	Use:   "send <message>",
	Short: "Send a message",
	Long: `Send a message to every connected peer.

Peers that are offline receive it the next time they reconnect.

Example:
  meshchat send "lunch at noon?"
  meshchat send --chat team "deploy is done"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSend,
}

func runSend(cmd *cobra.Command, args []string) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	m, err := c.Send(strings.Join(args, " "), chatFlag)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	if verboseLog {
		fmt.Fprintf(cmd.OutOrStdout(), "Sent %s\n", m.ID)
	}
	return nil
}

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Show chat history",
	Long: `Show the messages of one chat, oldest first.

With --follow, keep the command running and print messages received
from peers as they arrive.`,
	RunE: runMessages,
}

func runMessages(cmd *cobra.Command, args []string) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	// Subscribe first so nothing arrives between the listing and the stream
	if messagesWatch {
		if err := c.Subscribe(); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	messages, err := c.Messages(chatFlag)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}
	if messagesTail > 0 && len(messages) > messagesTail {
		messages = messages[len(messages)-messagesTail:]
	}

	out := cmd.OutOrStdout()
	if len(messages) == 0 && !messagesWatch {
		fmt.Fprintln(out, "No messages yet.")
		return nil
	}

	seen := make(map[string]struct{}, len(messages))
	for _, m := range messages {
		seen[m.ID] = struct{}{}
		printMessage(out, m)
	}

	if !messagesWatch {
		return nil
	}

	for {
		events, err := c.ReadEvents()
		if err != nil {
			return fmt.Errorf("read events: %w", err)
		}
		for _, e := range events {
			switch e.Event {
			case mesh.EventMessageReceived:
				var p mesh.MessageReceivedPayload
				if err := json.Unmarshal(e.Payload, &p); err != nil {
					continue
				}
				if p.Message.ChatID == chatFlag {
					printNew(out, seen, p.Message)
				}

			case mesh.EventMessagesNew:
				// Reconciled batches carry no messages; reload the chat
				latest, err := c.Messages(chatFlag)
				if err != nil {
					return fmt.Errorf("list messages: %w", err)
				}
				for _, m := range latest {
					printNew(out, seen, m)
				}
			}
		}
	}
}

// printNew prints m unless an earlier line already showed it
func printNew(w io.Writer, seen map[string]struct{}, m chat.Message) {
	if _, ok := seen[m.ID]; ok {
		return
	}
	seen[m.ID] = struct{}{}
	printMessage(w, m)
}

func printMessage(w io.Writer, m chat.Message) {
	fmt.Fprintf(w, "%s  %-19s %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), m.UserID, m.Content)
}
