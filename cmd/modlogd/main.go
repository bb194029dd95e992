package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/TomW1605/DiscordModLog/cachestore"
	"github.com/TomW1605/DiscordModLog/guildconfig"
	"github.com/TomW1605/DiscordModLog/history"
	"github.com/TomW1605/DiscordModLog/logstore"
	"github.com/TomW1605/DiscordModLog/models"
	"github.com/TomW1605/DiscordModLog/notify"
	"github.com/TomW1605/DiscordModLog/pipeline"
	"github.com/TomW1605/DiscordModLog/scheduler"
	"github.com/TomW1605/DiscordModLog/userdir"
	"github.com/TomW1605/DiscordModLog/util"
	"github.com/TomW1605/DiscordModLog/util/cliutil"

	"github.com/bwmarrin/snowflake"
	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/plugin/opentelemetry/tracing"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "modlogd",
		Usage:   "moderation audit-log recorder for Discord communities",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "database connection string for the record store",
			Value:   "sqlite://data/modlog/modlog.db",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
			Value:   20,
		},
		&cli.StringFlag{
			Name:    "config",
			Usage:   "path to the community configuration file (YAML)",
			Value:   "config.yml",
			EnvVars: []string{"MODLOG_CONFIG"},
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
		sweepCmd,
		statsCmd,
		checkConfigCmd,
	}

	return app.Run(args)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "bot-token",
			Usage:   "bot token for user lookups; overrides bot.token in the config file",
			EnvVars: []string{"BOT_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "discord-api-host",
			Usage:   "base URL of the Discord REST API",
			Value:   userdir.DefaultAPIHost,
			EnvVars: []string{"DISCORD_API_HOST"},
		},
		&cli.IntFlag{
			Name:    "discord-rate-limit",
			Usage:   "max requests per second to the Discord REST API",
			Value:   40,
			EnvVars: []string{"MODLOG_DISCORD_RATE_LIMIT"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL for the user cache; in-process cache when empty",
			EnvVars: []string{"MODLOG_REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP APIs",
			Value:   ":4100",
			EnvVars: []string{"MODLOG_BIND"},
		},
		&cli.StringFlag{
			Name:    "admin-token",
			Usage:   "bearer token required on API requests; open when empty",
			EnvVars: []string{"MODLOG_ADMIN_TOKEN"},
		},
		&cli.IntFlag{
			Name:    "max-workers",
			Usage:   "size of the event worker pool",
			Value:   8,
			EnvVars: []string{"MODLOG_MAX_WORKERS"},
		},
		&cli.BoolFlag{
			Name:    "stdin",
			Usage:   "also read newline-delimited audit entries from stdin",
			EnvVars: []string{"MODLOG_STDIN"},
		},
		&cli.BoolFlag{
			Name:    "dbtracing",
			Usage:   "trace database queries",
			EnvVars: []string{"MODLOG_DB_TRACING"},
		},
		&cli.DurationFlag{
			Name:    "sweep-interval",
			Usage:   "run retention on a timer instead of after every event (0 keeps per-event sweeps)",
			EnvVars: []string{"MODLOG_SWEEP_INTERVAL"},
		},
	},
	Action: func(cctx *cli.Context) error {
		logger, err := cliutil.SetupSlog(cliutil.LogOptions{})
		if err != nil {
			return err
		}
		defer configOTEL("modlogd")()

		cfg, fileToken, err := guildconfig.LoadFile(cctx.String("config"))
		if err != nil {
			return err
		}
		resolver, err := guildconfig.NewResolver(cfg)
		if err != nil {
			return err
		}
		cfg.LogRejected(logger)

		token := cctx.String("bot-token")
		if token == "" {
			token = fileToken
		}
		if err := guildconfig.ValidateBotToken(token); err != nil {
			return err
		}

		db, err := cliutil.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"), logger)
		if err != nil {
			return err
		}
		if cctx.Bool("dbtracing") {
			if err := db.Use(tracing.NewPlugin()); err != nil {
				return err
			}
		}
		store, err := logstore.NewSQLStore(db)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		client := util.RobustHTTPClient(logger)
		rest := &userdir.RESTDirectory{
			Host:      cctx.String("discord-api-host"),
			BotToken:  token,
			Client:    client,
			Limiter:   rate.NewLimiter(rate.Limit(cctx.Int("discord-rate-limit")), 1),
			UserAgent: "modlogd/" + versioninfo.Short(),
		}

		var cache cachestore.Store
		redisURL := cctx.String("redis-url")
		if redisURL != "" {
			rdb, err := cachestore.NewRedisClient(ctx, redisURL)
			if err != nil {
				return err
			}
			cache = cachestore.NewRedisStore(rdb)
		} else {
			cache = cachestore.NewMemStore(10_000)
		}
		dir := userdir.NewCacheDirectory(rest, cache, logger)

		sender := &notify.WebhookSender{Routes: resolver, Client: client}
		eng := pipeline.New(store, resolver, dir, sender, logger)
		if url := cfg.OperatorWebhookURL; url != "" {
			eng.Operator = &notify.SlackAlerter{WebhookURL: url, Header: "modlogd", Client: client}
		}
		interval := cctx.Duration("sweep-interval")
		eng.SweepEveryEvent = interval <= 0

		sched := scheduler.NewScheduler(cctx.Int("max-workers"), "events", logger)
		defer sched.Shutdown()

		srv := NewServer(Config{
			Logger:     logger,
			Engine:     eng,
			Scheduler:  sched,
			ConfigPath: cctx.String("config"),
			AdminToken: cctx.String("admin-token"),
			Bind:       cctx.String("bind"),
		})

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return srv.RunAPI(ctx) })
		g.Go(func() error { return srv.RunReloadSignal(ctx) })
		if interval > 0 {
			g.Go(func() error { return eng.RunRetention(ctx, interval) })
		}
		if cctx.Bool("stdin") {
			g.Go(func() error { return srv.RunStdin(ctx, os.Stdin) })
		}
		return g.Wait()
	},
}

func openStore(cctx *cli.Context) (*logstore.SQLStore, error) {
	logger, err := cliutil.SetupSlog(cliutil.LogOptions{})
	if err != nil {
		return nil, err
	}
	db, err := cliutil.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"), logger)
	if err != nil {
		return nil, err
	}
	return logstore.NewSQLStore(db)
}

var sweepCmd = &cli.Command{
	Name:  "sweep",
	Usage: "delete records past the retention window, once",
	Action: func(cctx *cli.Context) error {
		store, err := openStore(cctx)
		if err != nil {
			return err
		}
		eng := pipeline.New(store, nil, nil, nil, slog.Default())
		deleted, err := eng.Sweep(cctx.Context)
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d records older than %s\n", deleted, history.RetentionWindow)
		return nil
	},
}

var statsCmd = &cli.Command{
	Name:      "stats",
	Usage:     "print a user's recent moderation history",
	ArgsUsage: "<guild-id> <user-id>",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "window",
			Usage: "lookback window",
			Value: history.StatsWindow,
		},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.Args().Len() != 2 {
			return fmt.Errorf("expected guild and user IDs as arguments")
		}
		guild, err := parseID(cctx.Args().Get(0))
		if err != nil {
			return err
		}
		user, err := parseID(cctx.Args().Get(1))
		if err != nil {
			return err
		}
		store, err := openStore(cctx)
		if err != nil {
			return err
		}

		ctx := cctx.Context
		window := cctx.Duration("window")
		counts, err := history.NewAggregator(store).Aggregate(ctx, guild, user, window, models.ActionUnknown)
		if err != nil {
			return err
		}
		for _, a := range models.AllActionTypes() {
			if n := counts.Get(a); n > 0 {
				fmt.Printf("%-20s %d\n", a, n)
			}
		}
		fmt.Println(counts.Footer())

		recs, err := store.QueryByTarget(ctx, guild, user, time.Now().Add(-window))
		if err != nil {
			return err
		}
		for _, rec := range recs {
			reason, _ := rec.DetailString(models.DetailReason)
			fmt.Printf("%s\t%s\tby %s\t%s\n", rec.OccurredAt.Format(time.RFC3339), rec.ActionType, rec.ActingUserID, reason)
		}
		return nil
	},
}

var checkConfigCmd = &cli.Command{
	Name:  "check-config",
	Usage: "validate the community configuration file",
	Action: func(cctx *cli.Context) error {
		cfg, token, err := guildconfig.LoadFile(cctx.String("config"))
		if err != nil {
			return err
		}
		if token != "" {
			if err := guildconfig.ValidateBotToken(token); err != nil {
				return err
			}
		}
		for key, err := range cfg.Rejected {
			fmt.Printf("warning: skipping server %s: %v\n", key, err)
		}
		for id, cc := range cfg.Communities {
			logChannel := "none"
			if cc.LogChannelRef != nil {
				logChannel = cc.LogChannelRef.String()
				if _, ok := cfg.Webhooks[*cc.LogChannelRef]; !ok {
					fmt.Printf("warning: no webhook configured for log channel %s of %s\n", logChannel, id)
				}
			}
			fmt.Printf("%s\t%s\tlog channel %s\t%d ignored channels\n", id, cc.Name, logChannel, len(cc.IgnoredChannelIDs))
		}
		fmt.Printf("ok: %d communities, db size warning at %d MB\n", len(cfg.Communities), cfg.DBSizeWarningThreshold)
		return nil
	},
}

var errBadID = errors.New("invalid snowflake ID")

func parseID(s string) (snowflake.ID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", errBadID, s)
	}
	return snowflake.ID(n), nil
}
