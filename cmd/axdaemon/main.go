// Command axdaemon serves VM registration and boot requests from axcli.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"

	"github.com/arceos-hypervisor/arceos-vmm-drivers/daemon"
	"github.com/arceos-hypervisor/arceos-vmm-drivers/pkg/wire"
)

func main() {
	app := &cli.App{
		Name:  "axdaemon",
		Usage: "host-side daemon for ArceOS hypervisor guests",
		Flags: logFlags,
		Before: func(c *cli.Context) error {
			return setupLogging(c)
		},
		Commands: []*cli.Command{initCommand},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("axdaemon")
	}
}

var logFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "log-level",
		Value:   "info",
		Usage:   "log level (trace, debug, info, warn, error)",
		EnvVars: []string{"AXDAEMON_LOG_LEVEL"},
	},
	&cli.StringFlag{
		Name:    "log-format",
		Value:   "text",
		Usage:   "log format (text or json)",
		EnvVars: []string{"AXDAEMON_LOG_FORMAT"},
	},
	&cli.StringFlag{
		Name:    "log-file",
		Usage:   "append logs to this file instead of stderr",
		EnvVars: []string{"AXDAEMON_LOG_FILE"},
	},
}

func setupLogging(c *cli.Context) error {
	lvl, err := logrus.ParseLevel(c.String("log-level"))
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)

	switch c.String("log-format") {
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %q", c.String("log-format"))
	}

	if p := c.String("log-file"); p != "" {
		f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return errors.Wrap(err, "open log file")
		}
		logrus.SetOutput(f)
	}
	return nil
}

var initCommand = &cli.Command{
	Name:  "init",
	Usage: "start the daemon and serve until SIGINT or SIGTERM",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "listen-addr",
			Value:   wire.DefaultIP,
			Usage:   "TCP address to listen on",
			EnvVars: []string{"AXDAEMON_LISTEN_ADDR"},
		},
		&cli.UintFlag{
			Name:    "listen-port",
			Value:   wire.DefaultPort,
			Usage:   "TCP port to listen on",
			EnvVars: []string{"AXDAEMON_LISTEN_PORT"},
		},
		&cli.StringFlag{
			Name:    "ws-addr",
			Usage:   "also serve the protocol over WebSocket at host:port/ws",
			EnvVars: []string{"AXDAEMON_WS_ADDR"},
		},
		&cli.StringFlag{
			Name:    "metrics-addr",
			Usage:   "serve Prometheus metrics at host:port/metrics",
			EnvVars: []string{"AXDAEMON_METRICS_ADDR"},
		},
		&cli.StringFlag{
			Name:    "state-db",
			Usage:   "persist the VM registry in this bbolt file",
			EnvVars: []string{"AXDAEMON_STATE_DB"},
		},
		&cli.BoolFlag{
			Name:    "direct-io",
			Usage:   "open disk images with O_DIRECT",
			EnvVars: []string{"AXDAEMON_DIRECT_IO"},
		},
		&cli.IntFlag{
			Name:    "cache-size",
			Value:   daemon.DefaultConfig().CacheSize,
			Usage:   "per-VM block cache size in bytes, a multiple of the page size",
			EnvVars: []string{"AXDAEMON_CACHE_SIZE"},
		},
		&cli.IntFlag{
			Name:    "queue-depth",
			Value:   daemon.DefaultConfig().QueueDepth,
			Usage:   "capacity of the request queue",
			EnvVars: []string{"AXDAEMON_QUEUE_DEPTH"},
		},
		&cli.IntFlag{
			Name:    "setup-workers",
			Value:   daemon.DefaultConfig().SetupWorkers,
			Usage:   "concurrent backend setups; 0 runs them on the engine",
			EnvVars: []string{"AXDAEMON_SETUP_WORKERS"},
		},
		&cli.DurationFlag{
			Name:    "request-timeout",
			Usage:   "fail a request whose reply takes longer; 0 waits forever",
			EnvVars: []string{"AXDAEMON_REQUEST_TIMEOUT"},
		},
	},
	Action: runDaemon,
}

func runDaemon(c *cli.Context) error {
	cfg := daemon.Config{
		ListenAddr:     net.JoinHostPort(c.String("listen-addr"), strconv.FormatUint(uint64(c.Uint("listen-port")), 10)),
		WSAddr:         c.String("ws-addr"),
		MetricsAddr:    c.String("metrics-addr"),
		StateDB:        c.String("state-db"),
		DirectIO:       c.Bool("direct-io"),
		CacheSize:      c.Int("cache-size"),
		QueueDepth:     c.Int("queue-depth"),
		SetupWorkers:   c.Int("setup-workers"),
		RequestTimeout: c.Duration("request-timeout"),
	}
	log := logrus.WithField("component", "axdaemon")

	srv, err := daemon.New(cfg, daemon.Options{Log: log})
	if err != nil {
		return err
	}
	// 1. Bind
	if err := srv.Listen(); err != nil {
		log.WithError(err).Fatal("failed to bind")
	}
	log.WithFields(logrus.Fields{
		"cache-size":    cfg.CacheSize,
		"queue-depth":   cfg.QueueDepth,
		"setup-workers": cfg.SetupWorkers,
		"direct-io":     cfg.DirectIO,
	}).Info("axdaemon starting")

	// 2. Serve until the engine drains
	if err := srv.Run(context.Background()); err != nil {
		if errors.Is(err, daemon.ErrAborted) {
			os.Exit(130)
		}
		return err
	}
	log.Info("axdaemon stopped")
	return nil
}
