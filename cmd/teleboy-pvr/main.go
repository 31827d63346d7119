package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/snapetech/teleboy-pvr/internal/apiclient"
	"github.com/snapetech/teleboy-pvr/internal/cache"
	"github.com/snapetech/teleboy-pvr/internal/epg"
	"github.com/snapetech/teleboy-pvr/internal/health"
	"github.com/snapetech/teleboy-pvr/internal/login"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	var rf rootFlags
	root := &cobra.Command{
		Use:           "teleboy-pvr",
		Short:         "Keep a Teleboy session alive and serve its guide, recordings and streams",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&rf.configPath, "config", "", "YAML config file (env overrides it)")
	root.PersistentFlags().StringVar(&rf.logLevel, "log-level", "", "log level (default from TELEBOY_LOG_LEVEL)")

	root.AddCommand(newRunCmd(&rf))
	root.AddCommand(newLoginCmd(&rf))
	root.AddCommand(newChannelsCmd(&rf))
	root.AddCommand(newEPGCmd(&rf))
	root.AddCommand(newRecordingsCmd(&rf))
	root.AddCommand(newRecordCmd(&rf))
	root.AddCommand(newCheckCmd(&rf))
	root.AddCommand(newCacheCmd(&rf))
	return root
}

// open loads config and wires the app. The caller must Close it.
func open(ctx context.Context, rf *rootFlags) (*app, error) {
	cfg, err := loadConfig(rf.configPath)
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel
	if rf.logLevel != "" {
		level = rf.logLevel
	}
	return newApp(ctx, cfg, newLogger(os.Stderr, level))
}

// openConnected opens the app and logs in once.
func openConnected(ctx context.Context, rf *rootFlags) (*app, error) {
	a, err := open(ctx, rf)
	if err != nil {
		return nil, err
	}
	if err := a.connect(ctx); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("login: %w", err)
	}
	return a, nil
}

func newRunCmd(rf *rootFlags) *cobra.Command {
	var epgDays int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the login loop, the EPG workers and the status server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := open(ctx, rf)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					a.log.Error().Err(err).Msg("close")
				}
			}()
			if err := a.login.Start(); err != nil {
				// Keep running: the status server still reports NeedsSettings.
				a.log.Warn().Err(err).Msg("login disabled until credentials are set (reload with SIGHUP)")
			}
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			go a.watchReload(ctx, rf.configPath, hup)
			a.sched.Start(ctx)
			if epgDays > 0 {
				go a.enqueueGuideOnConnect(ctx, epgDays)
			}

			if a.cfg.StatusAddr == "" {
				<-ctx.Done()
				a.log.Info().Msg("shutting down")
				return nil
			}
			return a.statusServer().Serve(ctx, a.cfg.StatusAddr)
		},
	}
	cmd.Flags().IntVar(&epgDays, "epg-days", 0, "queue an EPG fetch of this many days for every channel after login")
	return cmd
}

// enqueueGuideOnConnect waits for the first connection and queues one EPG
// window per channel.
func (a *app) enqueueGuideOnConnect(ctx context.Context, days int) {
	t := time.NewTicker(a.cfg.LoginTick)
	defer t.Stop()
	for !a.sess.IsConnected() {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
	start := time.Now().UTC().Truncate(24 * time.Hour)
	end := start.Add(time.Duration(days) * 24 * time.Hour)
	chans := a.api.Channels()
	for _, ch := range chans {
		a.sched.Enqueue(epg.NewWorkItem(ch.ID, start, end))
	}
	a.log.Info().Int("channels", len(chans)).Int("days", days).Msg("epg queued")
}

func newLoginCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Log in once and print the session identity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openConnected(cmd.Context(), rf)
			if err != nil {
				return err
			}
			defer a.Close()
			snap := a.sess.Snapshot()
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "state=%s user=%s tier=%s\n", snap.State, snap.UserID, snap.Tier)
			return nil
		},
	}
}

func newChannelsCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "channels",
		Short: "List streamable channels, favourites first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openConnected(cmd.Context(), rf)
			if err != nil {
				return err
			}
			defer a.Close()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "POS\tID\tNAME")
			for _, ch := range a.api.Channels() {
				_, _ = fmt.Fprintf(tw, "%d\t%d\t%s\n", ch.Position, ch.ID, ch.Name)
			}
			return tw.Flush()
		},
	}
}

func newEPGCmd(rf *rootFlags) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "epg <channel-id>",
		Short: "Fetch a channel's guide into the local store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid channel id %q", args[0])
			}
			ctx := cmd.Context()
			a, err := openConnected(ctx, rf)
			if err != nil {
				return err
			}
			defer a.Close()
			start := time.Now().UTC().Truncate(24 * time.Hour)
			item := epg.NewWorkItem(id, start, start.Add(time.Duration(days)*24*time.Hour))
			n := 0
			err = a.api.FetchEPG(ctx, item, func(ch int, batch []epg.Broadcast) error {
				n += len(batch)
				return a.store.Emit(ctx, ch, batch)
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "stored %d broadcasts for channel %d\n", n, id)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 1, "number of days from today")
	return cmd
}

func newRecordingsCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "recordings",
		Short: "List planned and ready recordings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openConnected(cmd.Context(), rf)
			if err != nil {
				return err
			}
			defer a.Close()
			a.api.Refresh(cmd.Context())
			timers, recs, _ := a.api.Snapshot()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "KIND\tID\tCHANNEL\tSTART\tTITLE")
			for _, t := range timers {
				_, _ = fmt.Fprintf(tw, "timer\t%d\t%d\t%s\t%s\n", t.ID, t.ChannelID, t.Start.Local().Format(time.DateTime), t.Title)
			}
			for _, r := range recs {
				_, _ = fmt.Fprintf(tw, "ready\t%d\t%d\t%s\t%s\n", r.ID, r.ChannelID, r.Start.Local().Format(time.DateTime), r.Title)
			}
			return tw.Flush()
		},
	}
}

func newRecordCmd(rf *rootFlags) *cobra.Command {
	var del bool
	cmd := &cobra.Command{
		Use:   "record <broadcast-id>",
		Short: "Schedule (or with --delete cancel) a recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			a, err := openConnected(cmd.Context(), rf)
			if err != nil {
				return err
			}
			defer a.Close()
			if del {
				return a.api.DeleteTimer(cmd.Context(), id)
			}
			return a.api.AddTimer(cmd.Context(), id)
		},
	}
	cmd.Flags().BoolVar(&del, "delete", false, "delete the recording or timer with this id")
	return cmd
}

func newCheckCmd(rf *rootFlags) *cobra.Command {
	var statusURL string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Probe upstream reachability (and a running status server)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := health.CheckUpstream(ctx, login.DefaultEndpoints.Primary, "https://"+apiclient.DefaultAPIHost); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "upstream: ok")
			if statusURL == "" {
				return nil
			}
			if err := health.CheckEndpoints(ctx, statusURL); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status server: ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&statusURL, "status", "", "base URL of a running status server, e.g. http://127.0.0.1:8089")
	return cmd
}

func newCacheCmd(rf *rootFlags) *cobra.Command {
	c := &cobra.Command{Use: "cache", Short: "Response cache maintenance"}
	c.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Remove expired response cache entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(rf.configPath)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				return err
			}
			rc, err := cache.Open(cfg.CachePath(), zerolog.Nop())
			if err != nil {
				return err
			}
			defer rc.Close()
			n, freed, err := rc.Cleanup()
			if err != nil {
				return err
			}
			entries, size := rc.Stats()
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries (%s); %d left (%s)\n",
				n, humanize.Bytes(uint64(freed)), entries, humanize.Bytes(uint64(size)))
			return nil
		},
	})
	return c
}
