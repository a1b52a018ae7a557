package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/flexvod/caption-api/api"
	"github.com/flexvod/caption-api/broker"
	"github.com/flexvod/caption-api/clients"
	"github.com/flexvod/caption-api/config"
	"github.com/flexvod/caption-api/health"
	"github.com/flexvod/caption-api/log"
	"github.com/flexvod/caption-api/pipeline"
	"github.com/flexvod/caption-api/pprof"
	"github.com/flexvod/caption-api/registry"
	"github.com/flexvod/caption-api/scheduler"
	"github.com/flexvod/caption-api/store"
	"github.com/flexvod/caption-api/video"
)

// Process exit codes.
const (
	exitOK          = 0
	exitFailure     = 1
	exitConfig      = 2
	exitUnreachable = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("caption-api", flag.ExitOnError)
	cli := config.Cli{}

	fs.StringVar(&cli.HTTPAddress, "http-addr", "0.0.0.0:8989", "Address to bind the HTTP API to")
	fs.StringVar(&cli.APIToken, "api-token", "IAmAuthorized", "Auth header value for API access")
	fs.StringVar(&cli.BrokerURL, "broker-url", "", "Connection string for the shared store and task broker, e.g. redis://host:6379")
	fs.StringVar(&cli.CitiesConfig, "cities-config", "", "Path to, or inline JSON of, the city mount registry")
	fs.StringVar(&cli.PriorityQueueName, "priority-queue-name", "caption_priority", "Name of the queue drained before the default one")
	fs.StringVar(&cli.DefaultQueueName, "default-queue-name", "default", "Name of the default task queue")
	fs.IntVar(&cli.SeenTTLHours, "autoprioritize-seen-ttl-hours", 24, "Dedup ledger TTL in hours")
	fs.Int64Var(&cli.MaxContentLength, "max-content-length", 52428800, "Byte cap for auxiliary artifact downloads")
	fs.StringVar(&cli.WebhookURL, "webhook-url", "", "If set, alerts POST to this webhook")
	fs.StringVar(&cli.DiscoveryTimeMorning, "discovery-time-morning", "07:00", "UTC HH:MM for the morning autoprioritize fire")
	fs.StringVar(&cli.DiscoveryTimeEvening, "discovery-time-evening", "19:00", "UTC HH:MM for the evening autoprioritize fire")
	fs.StringVar(&cli.VODAPIURL, "vod-api-url", "", "Base URL of the upstream VOD platform")
	fs.StringVar(&cli.VODAPIToken, "vod-api-token", "", "Bearer token for the upstream VOD platform")
	fs.StringVar(&cli.TranscriberCommand, "transcriber-command", "transcribe", "Transcriber binary invoked with the video path as last argument")
	fs.IntVar(&cli.Workers, "workers", 2, "Number of concurrent task workers")
	fs.DurationVar(&cli.DownloadTimeout, "download-timeout", 30*time.Minute, "Per-attempt download timeout")
	fs.IntVar(&cli.PprofPort, "pprof-port", 0, "If set, serve runtime profiling on this localhost port")

	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVars()); err != nil {
		log.LogNoVideoID("cannot parse config", "err", err)
		return exitConfig
	}
	if err := cli.Validate(); err != nil {
		log.LogNoVideoID("invalid config", "err", err)
		return exitConfig
	}

	reg, err := registry.Load(cli.CitiesConfig)
	if err != nil {
		log.LogNoVideoID("cannot load city registry", "err", err)
		return exitConfig
	}

	opts, err := redis.ParseURL(cli.BrokerURL)
	if err != nil {
		log.LogNoVideoID("cannot parse broker-url", "err", err)
		return exitConfig
	}
	client := redis.NewClient(opts)
	defer client.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.LogNoVideoID("broker unreachable", "url", cli.BrokerURL, "err", err)
		return exitUnreachable
	}

	kv := store.NewRedis(client)
	counters := store.NewCounters(kv)
	ledger := store.NewDedupLedger(kv, cli.SeenTTL())
	heartbeats := store.NewHeartbeats(kv)
	downloadCache := store.NewDownloadCache(kv, time.Hour)

	downloader := clients.NewDownloader(downloadCache, counters, cli.DownloadTimeout)
	downloader.MaxAuxLength = cli.MaxContentLength
	vodClient := clients.NewVODClient(cli.VODAPIURL, cli.VODAPIToken)
	alerts := clients.NewAlertSink(cli.WebhookURL)

	b := broker.New(client, cli.PriorityQueueName, cli.DefaultQueueName)
	coordinator := pipeline.NewCoordinator(reg, ledger, counters,
		video.FFProbe{}, video.FFmpegRemuxer{},
		video.CommandTranscriber{Command: cli.TranscriberCommand},
		downloader, vodClient, alerts, b)

	aggregator := health.NewAggregator(reg, b, vodClient, heartbeats, kv)
	coordinator.Health = func(ctx context.Context) (interface{}, error) {
		return aggregator.Run(ctx)
	}
	coordinator.Register()

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	sched := scheduler.New(b, cli.DiscoveryTimeMorning, cli.DiscoveryTimeEvening)
	stopScheduler, err := sched.Start(ctx)
	if err != nil {
		log.LogNoVideoID("cannot start scheduler", "err", err)
		return exitConfig
	}
	defer stopScheduler()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "caption-api"
	}

	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < cli.Workers; i++ {
		worker := broker.NewWorker(fmt.Sprintf("%s-%d", hostname, i), b, heartbeats)
		group.Go(func() error {
			return worker.Run(ctx)
		})
	}
	group.Go(func() error {
		return api.ListenAndServe(ctx, cli.HTTPAddress, cli.APIToken, coordinator, counters, kv, b)
	})
	if cli.PprofPort > 0 {
		group.Go(func() error {
			return pprof.ListenAndServe(cli.PprofPort)
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.LogNoVideoID("shutting down with error", "err", err)
		return exitFailure
	}
	log.LogNoVideoID("shutdown complete")
	return exitOK
}
