package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/hubclient/internal/ctlclient"
	"github.com/matheus3301/hubclient/internal/lock"
	"github.com/matheus3301/hubclient/internal/profile"
)

const callTimeout = 30 * time.Second

var (
	profileFlag string
	jsonFlag    bool
)

var rootCmd = &cobra.Command{
	Use:           "hubctl",
	Short:         "Control a running hubd daemon",
	Long:          "Command-line interface for the hubd chat daemon.\nInspect the connection, browse chats and send messages through the control socket.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")
}

// resolveProfile returns the validated active profile name.
func resolveProfile() (string, error) {
	name := profile.Resolve(profileFlag)
	if err := profile.ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

// withClient dials the daemon and runs fn with a bounded context.
func withClient(fn func(ctx context.Context, c *ctlclient.Client) error) error {
	name, err := resolveProfile()
	if err != nil {
		return err
	}
	if lock.Holder(profile.Dir(name)) == 0 {
		return fmt.Errorf("daemon for profile %q is not running (start it with: hubd --profile %s)", name, name)
	}
	c, err := ctlclient.New(profile.SocketPath(name))
	if err != nil {
		return fmt.Errorf("cannot connect to daemon for profile %q: %w", name, err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	return fn(ctx, c)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
