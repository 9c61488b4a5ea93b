package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/streamstore/api"
	"github.com/iidesho/streamstore/checkpoint"
	"github.com/iidesho/streamstore/config"
	"github.com/iidesho/streamstore/metrics"
	"github.com/iidesho/streamstore/store"
	"github.com/iidesho/streamstore/subscription"
	"github.com/iidesho/streamstore/traces"
	"github.com/iidesho/streamstore/webserver"
	"github.com/iidesho/streamstore/webserver/health"
	"github.com/spf13/cobra"
)

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

func main() {
	if health.Name == "" {
		health.Name = "streamstore"
	}
	var envFiles []string
	rootCmd := &cobra.Command{
		Use:   "streamstore",
		Short: "Append only stream store",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			config.LoadEnv(envFiles...)
			return nil
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env", nil, "env files to load, first found wins")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the store over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return serve(ctx)
		},
	}
	rootCmd.AddCommand(serveCmd)

	scavengeCmd := &cobra.Command{
		Use:   "scavenge <stream>...",
		Short: "Apply the retention metadata of streams now",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load()
			if err != nil {
				return err
			}
			s, err := openStore(cmd.Context(), c)
			if err != nil {
				return err
			}
			defer s.Close()
			for _, id := range args {
				n, err := s.Scavenge(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("scavenging %q: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d deleted\n", id, n)
			}
			return nil
		},
	}
	rootCmd.AddCommand(scavengeCmd)

	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Print messages of the global log as they are appended",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return tail(ctx, name, cmd)
		},
	}
	tailCmd.Flags().String("name", "", "checkpoint name, resumes where the last tail with it stopped")
	rootCmd.AddCommand(tailCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	c, err := config.Load()
	if err != nil {
		return err
	}
	if err := c.SetupLogging(); err != nil {
		return err
	}
	metrics.Init()
	traces.Init()
	if c.MetricsPushURL != "" {
		go metrics.Push(ctx, c.MetricsPushURL, 15*time.Second)
	}

	s, err := openStore(ctx, c)
	if err != nil {
		return err
	}
	defer s.Close()

	serv, err := webserver.Init(c.Port, false)
	if err != nil {
		return err
	}
	serv.Health().Register("store", func(ctx context.Context) error {
		_, err := s.ReadHeadPosition(ctx)
		return err
	})
	api.Register(serv.API(), s)

	go serv.Run()
	log.Info("serving", "backend", c.Backend, "port", c.Port)
	<-ctx.Done()
	log.Info("shutting down")
	return serv.Shutdown()
}

func tail(ctx context.Context, name string, cmd *cobra.Command) error {
	c, err := config.Load()
	if err != nil {
		return err
	}
	s, err := openStore(ctx, c)
	if err != nil {
		return err
	}
	defer s.Close()

	opts := []subscription.Option{subscription.WithName(name)}
	from := store.PositionEnd
	if name != "" && c.CheckpointDir != "" {
		checkpoints, err := checkpoint.Open(c.CheckpointDir)
		if err != nil {
			return err
		}
		defer checkpoints.Close()
		opts = append(opts, subscription.WithCheckpoints(checkpoints))
		from = store.PositionStart
	}
	out := cmd.OutOrStdout()
	sub := s.SubscribeToAll(ctx, from, func(ctx context.Context, _ *subscription.All, m store.Message) error {
		_, err := fmt.Fprintf(out, "%d\t%s@%d\t%s\t%s\n", m.Position, m.StreamID, m.StreamVersion, m.Type, m.JSONData)
		return err
	}, opts...)
	<-sub.Done()
	return nil
}
