// hyperdesk-peer is the reference CLI client: it pairs with a running
// daemon by code, optionally requests a remote file, and fetches offered
// transfers over the framed TCP channel.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	appversion "github.com/idiehl/hyperdesk/internal/version"
)

var (
	// host and port locate the daemon's control endpoint.
	host string
	port int

	// pairCode is the six-digit code shown on the host.
	pairCode string

	// requestPath, when set, asks the host for a remote file after pairing.
	requestPath string

	// inboxDir is where fetched files land.
	inboxDir string
)

// rootCmd is the top-level cobra command for hyperdesk-peer.
var rootCmd = &cobra.Command{
	Use:   "hyperdesk-peer",
	Short: "Peer client for the HYPERDESK daemon",
	Long:  "hyperdesk-peer pairs with a hyperdesk daemon over its WebSocket control plane and exchanges files via the framed TCP transfer channel.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		err := runPeer(ctx, peerOptions{
			Host:        host,
			Port:        port,
			PairCode:    pairCode,
			RequestPath: requestPath,
			InboxDir:    inboxDir,
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

// versionCmd prints build information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(*cobra.Command, []string) {
		fmt.Println(appversion.Full("hyperdesk-peer"))
	},
}

func init() {
	rootCmd.Flags().StringVar(&host, "host", "127.0.0.1", "daemon control host")
	rootCmd.Flags().IntVar(&port, "port", 8765, "daemon control port")
	rootCmd.Flags().StringVar(&pairCode, "pair-code", "", "six-digit pairing code (required)")
	rootCmd.Flags().StringVar(&requestPath, "request", "", "remote path to request after pairing")
	rootCmd.Flags().StringVar(&inboxDir, "inbox", "peer_inbox", "directory for received files")
	cobra.CheckErr(rootCmd.MarkFlagRequired("pair-code"))

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
