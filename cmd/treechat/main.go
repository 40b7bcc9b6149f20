// Command treechat drives the conversation tree engine from a terminal.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"treechat/infrastructure/config"
	"treechat/infrastructure/di"
)

const (
	exitSuccess = 0
	exitError   = 1
)

var (
	configFile   string
	cacheBackend string
	remoteURL    string
	jsonOutput   bool
)

// app is built lazily by commands that need the engine.
type app struct {
	container *di.Container
	cleanup   func()
	out       io.Writer
}

func newApp(ctx context.Context, out io.Writer) (*app, error) {
	if configFile != "" {
		if err := os.Setenv("CONFIG_FILE", configFile); err != nil {
			return nil, err
		}
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	if cacheBackend != "" {
		cfg.CacheBackend = cacheBackend
	}
	if remoteURL != "" {
		cfg.RemoteBaseURL = remoteURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	container, cleanup, err := di.InitializeContainer(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &app{container: container, cleanup: cleanup, out: out}, nil
}

func (a *app) Close() {
	_ = a.container.Logger.Sync()
	a.cleanup()
}

func (a *app) printJSON(v interface{}) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "treechat",
		Short:         "Branching conversations against a conversation server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&cacheBackend, "cache", "", "local cache backend: memory, badger or dynamodb")
	root.PersistentFlags().StringVar(&remoteURL, "remote", "", "conversation server base URL")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")

	root.AddCommand(newSessionCmd(), newChatCmd())
	return root
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}
	os.Exit(exitSuccess)
}
