package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/matheus3301/hubclient/internal/api"
	"github.com/matheus3301/hubclient/internal/ctlclient"
)

var reconnectForce bool

func init() {
	reconnectCmd.Flags().BoolVar(&reconnectForce, "force", false, "also reset disconnection history and quality")
	rootCmd.AddCommand(statusCmd, reconnectCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *ctlclient.Client) error {
			resp, err := c.Session.GetStatus(ctx, &api.GetStatusRequest{})
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			fmt.Printf("Profile:   %s (pid %d)\n", resp.Profile, resp.PID)
			fmt.Printf("State:     %s since %s\n", resp.State, humanize.Time(resp.StateSince))
			fmt.Printf("Quality:   %s\n", resp.Quality)
			if resp.Identity != 0 {
				fmt.Printf("User:      %d\n", resp.Identity)
			}
			if !resp.LastConnectedAt.IsZero() {
				fmt.Printf("Connected: %s\n", humanize.Time(resp.LastConnectedAt))
			}
			fmt.Printf("Drops:     %d (avg reconnect %s)\n", resp.TotalDisconnections,
				(time.Duration(resp.AverageReconnectMs) * time.Millisecond).Round(time.Millisecond))
			if resp.ReconnectAttempts > 0 || resp.ConnectAttempts > 0 {
				fmt.Printf("Attempts:  %d connect, %d reconnect\n", resp.ConnectAttempts, resp.ReconnectAttempts)
			}
			if resp.LastError != "" {
				fmt.Printf("Error:     [%s] %s\n", resp.ErrorCategory, resp.LastError)
			}
			fmt.Printf("Store:     %s chats, %s messages\n",
				humanize.Comma(int64(resp.ChatCount)), humanize.Comma(int64(resp.MessageCount)))
			if resp.SelectedChat != "" {
				fmt.Printf("Selected:  %s\n", resp.SelectedChat)
			}
			fmt.Printf("Uptime:    %s\n", (time.Duration(resp.UptimeMs) * time.Millisecond).Round(time.Second))
			return nil
		})
	},
}

var reconnectCmd = &cobra.Command{
	Use:   "reconnect",
	Short: "Reconnect to the hub now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *ctlclient.Client) error {
			resp, err := c.Session.Reconnect(ctx, &api.ReconnectRequest{Force: reconnectForce})
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			fmt.Printf("State: %s\n", resp.State)
			return nil
		})
	},
}
