package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/imroc/req/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roman-kulish/listening-post/internal/api"
	"github.com/roman-kulish/listening-post/internal/control"
	"github.com/roman-kulish/listening-post/internal/device"
	"github.com/roman-kulish/listening-post/internal/listen"
	"github.com/roman-kulish/listening-post/internal/metrics"
	"github.com/roman-kulish/listening-post/internal/notify"
	"github.com/roman-kulish/listening-post/internal/scan"
	"github.com/roman-kulish/listening-post/internal/storage"
	"github.com/roman-kulish/listening-post/internal/transport"
	"github.com/roman-kulish/listening-post/internal/waterfall"
)

const (
	storageDir  = "data"
	storageFile = "listenpost.sqlite"

	shutdownTimeout = 10 * time.Second
)

// Run wires the sessions, the listen coordinator and the operator API and
// serves until ctx is done. Sessions are stopped before the journal is
// flushed so their end records are kept.
func Run(ctx context.Context, config *Config, logger *zap.Logger) error {
	store, err := createStorage(&config.Storage)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	defer func() {
		if cErr := store.Close(); cErr != nil {
			logger.Warn("closing storage", zap.Error(cErr))
		}
	}()

	m := metrics.New()
	registry := device.NewRegistry(device.WithLogger(logger), device.WithMetrics(m))

	journal := storage.NewJournal(store,
		storage.WithJournalLogger(logger),
		storage.WithJournalMetrics(m),
		storage.WithQueueSize(config.Storage.QueueSize),
		storage.WithFlushInterval(config.Storage.FlushInterval))

	notes := &notify.Recorder{}
	notifier := notify.Multi{notify.NewLogger(logger), notes}

	w := wiring{config: config, logger: logger, metrics: m}

	scanControl := w.controlClient(config.Scan.Endpoint)
	scanner := scan.NewSession(config.Backend.Device, registry, scanControl,
		w.opener("scan", config.Scan.ConsumerConfig, scanControl),
		config.Scan.Tracker,
		scan.WithLogger(logger),
		scan.WithMetrics(m),
		scan.WithJournal(journal))

	waterfallControl := w.controlClient(config.Waterfall.Endpoint)
	wf, err := waterfall.NewSession(config.Backend.Device, registry, waterfallControl,
		w.opener("waterfall", config.Waterfall.ConsumerConfig, waterfallControl),
		config.Waterfall.Pipeline,
		waterfall.WithLogger(logger),
		waterfall.WithMetrics(m),
		waterfall.WithJournal(journal))
	if err != nil {
		return fmt.Errorf("creating waterfall: %w", err)
	}

	relay := listen.NewRelay(listen.WithRelayLogger(logger))
	listenControl := w.controlClient(config.Listen.Endpoint)
	backend := listen.NewStreamBackend(config.Backend.Device, registry, listenControl,
		w.opener("listen", config.Listen.ConsumerConfig, listenControl),
		relay,
		listen.WithStreamLogger(logger))
	coordinator := listen.New(backend,
		listen.WithLogger(logger),
		listen.WithMetrics(m),
		listen.WithNotifier(notifier),
		listen.WithPlayer(relay),
		listen.WithWaterfall(wf),
		listen.WithConfig(config.Listen.Coordinator))

	renderer, err := waterfall.NewRenderer(waterfall.RenderConfig{})
	if err != nil {
		return fmt.Errorf("creating renderer: %w", err)
	}

	server := api.NewServer(config.API.Addr, scanner, wf, coordinator, registry,
		api.WithLogger(logger),
		api.WithMetrics(m),
		api.WithAudio(relay),
		api.WithRenderer(renderer),
		api.WithNotifications(notes))

	journalCtx, stopJournal := context.WithCancel(context.Background())
	defer stopJournal()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return journal.Run(journalCtx)
	})

	g.Go(func() error {
		defer stopJournal()

		if err := server.Start(); err != nil {
			return fmt.Errorf("starting api: %w", err)
		}
		<-ctx.Done()

		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return errors.Join(
			server.Stop(),
			coordinator.Close(shutdownCtx),
			scanner.Stop(shutdownCtx),
			wf.Stop(shutdownCtx),
		)
	})

	return g.Wait()
}

type wiring struct {
	config  *Config
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func (w wiring) controlClient(endpoint control.Endpoint) *control.Client {
	return control.New(w.config.Backend.BaseURL, endpoint,
		control.WithLogger(w.logger),
		control.WithTimeout(w.config.Backend.Timeout),
		control.WithRetryCount(w.config.Backend.RetryCount))
}

// opener builds the transport strategies configured for a consumer. The duplex
// dialer is left out without a websocket URL, the fallback pair without an
// event stream path.
func (w wiring) opener(consumer string, c ConsumerConfig, ctl *control.Client) *transport.Opener {
	logger := w.logger.With(zap.String("consumer", consumer))

	var duplex, fallback transport.Dialer
	if c.Websocket != "" {
		duplex = &transport.DuplexDialer{URL: c.Websocket, Logger: logger}
	}
	if c.Events != "" {
		fallback = &transport.FallbackDialer{
			Client:       req.C().SetBaseURL(w.config.Backend.BaseURL),
			EventsPath:   c.Events,
			Control:      ctl,
			PollInterval: w.config.Transport.PollInterval,
			Logger:       logger,
		}
	}

	return transport.NewOpener(consumer, duplex, fallback,
		transport.Config{
			PreferDuplex:     w.config.Transport.PreferDuplex,
			ReconnectBackoff: w.config.Transport.ReconnectBackoff,
			MaxReconnects:    w.config.Transport.MaxReconnects,
		},
		transport.WithLogger(w.logger),
		transport.WithMetrics(w.metrics))
}

func createStorage(config *StorageConfig) (*storage.SqliteStore, error) {
	dbPath := config.DataDirectory
	if dbPath == "" {
		dbPath = storageDir
	}
	if !filepath.IsAbs(dbPath) {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current working directory: %w", err)
		}
		dbPath = filepath.Join(wd, dbPath)
	}

	stat, err := os.Stat(dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("storage directory '%s' does not exist: %w", dbPath, err)
		}
		return nil, fmt.Errorf("checking storage directory: %w", err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("invalid storage directory '%s'", dbPath)
	}

	return storage.NewSqliteStore(filepath.Join(dbPath, storageFile)), nil
}
