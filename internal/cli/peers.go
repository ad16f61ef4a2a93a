package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var disconnectAll bool

func init() {
	rootCmd.AddCommand(peersCmd)
	rootCmd.AddCommand(disconnectCmd)

	disconnectCmd.Flags().BoolVar(&disconnectAll, "all", false, "disconnect every peer")
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List connected and discovered peers",
	Long: `List peers.

Peers are discovered automatically via mDNS on the local network. Of
each pair of devices only the one with the greater name dials, so a
discovered peer may take a moment to show up as connected.`,
	RunE: runPeers,
}

func runPeers(cmd *cobra.Command, args []string) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	peers, err := c.Peers()
	if err != nil {
		return fmt.Errorf("list peers: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(peers.Connected) == 0 && len(peers.Discovered) == 0 {
		fmt.Fprintln(out, "No peers found.")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Peers are discovered automatically via mDNS on the local network.")
		fmt.Fprintln(out, "To add a peer manually, list it under [discovery] manual_peers as name@host:port.")
		return nil
	}

	fmt.Fprintf(out, "Connected Peers (%d)\n\n", len(peers.Connected))
	for _, p := range peers.Connected {
		fmt.Fprintf(out, "  %s\n", p.Name)
		fmt.Fprintf(out, "    Connected: %s ago\n", time.Since(p.ConnectedAt).Round(time.Second))
		fmt.Fprintf(out, "    Last seen: %s ago\n", time.Since(p.LastSeen).Round(time.Second))
	}

	connected := make(map[string]bool, len(peers.Connected))
	for _, p := range peers.Connected {
		connected[p.EndpointID] = true
	}

	var waiting []string
	for _, e := range peers.Discovered {
		if !connected[e.ID] {
			waiting = append(waiting, e.Name)
		}
	}
	if len(waiting) > 0 {
		fmt.Fprintf(out, "\nDiscovered, not connected (%d)\n\n", len(waiting))
		for _, name := range waiting {
			fmt.Fprintf(out, "  %s\n", name)
		}
	}

	return nil
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect [peer]",
	Short: "Drop a peer connection",
	Long: `Drop the connection to one peer, or to every peer with --all.

Discovery keeps running, so a dropped peer reconnects when it is next
discovered.

Example:
  meshchat disconnect bob
  meshchat disconnect --all`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDisconnect,
}

func runDisconnect(cmd *cobra.Command, args []string) error {
	if disconnectAll == (len(args) == 1) {
		return fmt.Errorf("give a peer name or --all")
	}

	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	var target string
	if len(args) == 1 {
		target = args[0]
	}

	n, err := c.Disconnect(target)
	if err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Disconnected %d peer(s).\n", n)
	return nil
}
