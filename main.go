package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/fang"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"peerdrop/config"
	"peerdrop/events"
	"peerdrop/server"
	"peerdrop/storage"
)

// cli holds state shared by every subcommand.
type cli struct {
	logLevel string
	logJSON  bool

	logger  *logrus.Logger
	cfg     *config.DeviceConfig
	dataDir string
}

func main() {
	app := &cli{logger: logrus.New()}

	root := &cobra.Command{
		Use:           "peerdrop",
		Short:         "Peer-to-peer file transfer over the local network",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.setup()
		},
	}
	root.PersistentFlags().StringVar(&app.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&app.logJSON, "log-json", false, "emit logs as JSON")

	root.AddCommand(
		app.serveCommand(),
		app.sendCommand(),
		app.getCommand(),
		app.listCommand(),
		app.infoCommand(),
		app.messageCommand(),
		app.peersCommand(),
		app.stopCommand(),
		app.historyCommand(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := fang.Execute(ctx, root); err != nil {
		os.Exit(1)
	}
}

func (c *cli) setup() error {
	level, err := logrus.ParseLevel(c.logLevel)
	if err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	c.logger.SetLevel(level)
	c.logger.SetOutput(os.Stderr)
	if c.logJSON {
		c.logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		c.logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	cfg, dataDir, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	c.cfg = cfg
	c.dataDir = dataDir

	c.logger.WithFields(logrus.Fields{
		"device_id": cfg.DeviceID,
		"data_dir":  dataDir,
	}).Debug("configuration loaded")
	return nil
}

func (c *cli) openArchive() (*storage.Store, error) {
	store, dbPath, err := storage.Open(c.dataDir)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	c.logger.WithField("path", dbPath).Debug("archive opened")
	return store, nil
}

// node is a running server plus the event stream subscribed before it started.
type node struct {
	srv     *server.Server
	stream  <-chan events.Event
	cancel  func()
	store   *storage.Store
	runErr  chan error
	logger  logrus.FieldLogger
	stopped bool
}

// startNode runs a server with the given options. Archive is attached when the
// database opens; a failure there only costs history.
func (c *cli) startNode(ctx context.Context, opts server.Options) (*node, error) {
	store, err := c.openArchive()
	if err != nil {
		c.logger.WithError(err).Warn("continuing without archive")
	} else {
		opts.Archive = store
	}
	opts.Logger = c.logger

	srv, err := server.New(opts)
	if err != nil {
		closeStore(store, c.logger)
		return nil, err
	}
	stream, cancel := srv.Events(0)
	if err := srv.Listen(); err != nil {
		cancel()
		closeStore(store, c.logger)
		return nil, err
	}

	n := &node{
		srv:    srv,
		stream: stream,
		cancel: cancel,
		store:  store,
		runErr: make(chan error, 1),
		logger: c.logger,
	}
	go func() {
		n.runErr <- srv.Run(ctx)
	}()
	return n, nil
}

// ephemeralNode is a short-lived node for one-shot commands. It listens on a
// random port so it can run next to a `serve` daemon.
func (c *cli) ephemeralNode(ctx context.Context) (*node, error) {
	opts := c.cfg.ServerOptions()
	opts.ListenAddress = "0.0.0.0:0"
	return c.startNode(ctx, opts)
}

func (n *node) close() {
	if n.stopped {
		return
	}
	n.stopped = true
	n.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.srv.Shutdown(ctx); err != nil {
		n.logger.WithError(err).Warn("server shutdown")
	}
	select {
	case err := <-n.runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			n.logger.WithError(err).Warn("server exited with error")
		}
	case <-ctx.Done():
	}
	closeStore(n.store, n.logger)
}

func closeStore(store *storage.Store, logger logrus.FieldLogger) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		logger.WithError(err).Warn("archive close")
	}
}

// await reads the node's events until match reports done, the stream closes
// or ctx ends.
func (n *node) await(ctx context.Context, match func(events.Event) (bool, error)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-n.stream:
			if !ok {
				return errors.New("server stopped before the reply arrived")
			}
			done, err := match(e)
			if done || err != nil {
				return err
			}
		}
	}
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
