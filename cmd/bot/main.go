package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gocraft/dbr/v2"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/douglarek/cyberblade/bot"
	"github.com/douglarek/cyberblade/config"
	"github.com/douglarek/cyberblade/feed"
	"github.com/douglarek/cyberblade/logger"
	"github.com/douglarek/cyberblade/metrics"
	"github.com/douglarek/cyberblade/poller"
	"github.com/douglarek/cyberblade/store"
)

var configFile = flag.String("config-file", "config.jsonc", "path to config file")
var slogLevel = new(slog.LevelVar)

func init() {
	slog.SetDefault(logger.New(os.Stderr, "json", slogLevel))
}

func main() {
	flag.Parse()

	settings, err := config.LoadSettings(*configFile)
	if err != nil {
		slog.Error("[main]: cannot load settings", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger.New(os.Stderr, settings.LogFormat, slogLevel))
	if settings.EnableDebug {
		slogLevel.Set(slog.LevelDebug)
	}

	if err := run(settings); err != nil {
		slog.Error("[main]: bot exited with error", "error", err)
		os.Exit(1)
	}
}

func run(settings config.Settings) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := dbr.Open("sqlite", settings.DBFile, nil)
	if err != nil {
		slog.Error("[main]: cannot open database", "error", err)
		return err
	}
	db.SetMaxOpenConns(1)
	defer db.Close()

	if err := store.Migrate(db.DB); err != nil {
		slog.Error("[main]: cannot migrate database", "error", err)
		return err
	}
	st := store.New(db)

	fetcher := feed.NewFetcher(
		feed.WithTimeout(settings.FetchTimeout.Std()),
		feed.WithRate(settings.FetchRate),
	)
	defer fetcher.Close()

	discord, err := bot.NewDiscordBot(settings.BotToken, bot.NewCommands(st, fetcher), settings.OwnerID)
	if err != nil {
		slog.Error("[main]: cannot create discord bot", "error", err)
		return err
	}
	defer discord.Close()

	p := poller.New(st, fetcher, discord, discord,
		poller.WithInterval(settings.PollInterval.Std()),
		poller.WithRetryBase(settings.RetryBase.Std()),
		poller.WithReporter(discord),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(ctx) })
	if settings.MetricsAddr != "" {
		g.Go(func() error { return metrics.Serve(ctx, settings.MetricsAddr) })
	}

	slog.Info("[main]: bot is running, press Ctrl+C to exit")
	err = g.Wait()
	slog.Info("[main]: bot is gracefully shutting down")
	return err
}
