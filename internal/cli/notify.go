package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"meshchat.dev/go/meshchat/internal/chat"
	"meshchat.dev/go/meshchat/internal/client"
)

func init() {
	rootCmd.AddCommand(notifyCmd)

	notifyCmd.AddCommand(notifySubscribeCmd)
	notifyCmd.AddCommand(notifyUnsubscribeCmd)
	notifyCmd.AddCommand(notifyListCmd)
}

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Desktop notification commands",
	Long: `Choose which chats raise desktop notifications.

A notification is shown for a message received from a peer when its chat
is subscribed and is not the chat open in the UI.`,
}

var notifySubscribeCmd = &cobra.Command{
	Use:   "subscribe [chat]",
	Short: "Turn on notifications for a chat",
	Long: `Turn on notifications for a chat. Without an argument this
subscribes to the global chat.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setSubscribed(cmd, args, true)
	},
}

var notifyUnsubscribeCmd = &cobra.Command{
	Use:   "unsubscribe [chat]",
	Short: "Turn off notifications for a chat",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setSubscribed(cmd, args, false)
	},
}

var notifyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List subscribed chats",
	RunE:  runNotifyList,
}

func setSubscribed(cmd *cobra.Command, args []string, on bool) error {
	chatID := chat.GlobalChatID
	if len(args) == 1 {
		chatID = args[0]
	}

	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	status, err := c.SetSubscribed(chatID, on)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}

	printNotifyStatus(cmd.OutOrStdout(), status)
	return nil
}

func runNotifyList(cmd *cobra.Command, args []string) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	status, err := c.Notifications()
	if err != nil {
		return fmt.Errorf("get notifications: %w", err)
	}

	printNotifyStatus(cmd.OutOrStdout(), status)
	return nil
}

func printNotifyStatus(w io.Writer, status *client.NotifyStatus) {
	if !status.Enabled {
		fmt.Fprintln(w, "Notifications are disabled in config.")
	}
	if len(status.Chats) == 0 {
		fmt.Fprintln(w, "No subscribed chats.")
		return
	}

	fmt.Fprintf(w, "Subscribed chats (%d)\n\n", len(status.Chats))
	for _, id := range status.Chats {
		fmt.Fprintf(w, "  %s\n", chatName(id))
	}
}

func chatName(id string) string {
	if id == chat.GlobalChatID {
		return "(global)"
	}
	return id
}
