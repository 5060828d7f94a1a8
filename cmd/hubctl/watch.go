package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/hubclient/internal/api"
	"github.com/matheus3301/hubclient/internal/ctlclient"
	"github.com/matheus3301/hubclient/internal/lock"
	"github.com/matheus3301/hubclient/internal/profile"
)

var watchPrefix string

func init() {
	watchCmd.Flags().StringVar(&watchPrefix, "prefix", "", "only events whose kind starts with prefix, e.g. message.")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream daemon events until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := resolveProfile()
		if err != nil {
			return err
		}
		if lock.Holder(profile.Dir(name)) == 0 {
			return fmt.Errorf("daemon for profile %q is not running", name)
		}
		c, err := ctlclient.New(profile.SocketPath(name))
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		recv, err := c.Session.WatchEvents(ctx, &api.WatchEventsRequest{Prefix: watchPrefix})
		if err != nil {
			return err
		}
		for {
			evt, err := recv.Recv()
			if errors.Is(err, io.EOF) || grpcstatus.Code(err) == codes.Canceled {
				return nil
			}
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(evt)
				continue
			}
			fmt.Printf("%s %-22s %s\n", evt.Timestamp.Format("15:04:05.000"), evt.Kind, evt.Payload)
		}
	},
}
