package summoner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/drand/summoner/ceremony"
	"github.com/drand/summoner/common/log"
	"github.com/drand/summoner/config"
	"github.com/drand/summoner/crs"
	shttp "github.com/drand/summoner/http"
	"github.com/drand/summoner/ledger"
	"github.com/drand/summoner/metrics"
	"github.com/drand/summoner/transcript"
)

const (
	followInterval  = 5 * time.Second
	shutdownTimeout = 10 * time.Second
)

func startCmd(c *cli.Context) error {
	conf, err := contextToConfig(c)
	if err != nil {
		return err
	}
	l := newLogger(conf)
	defer func() { _ = l.Sync() }()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := ledger.LoadOrInitialize(ctx, l, conf.Ledger.Database(), crs.NewPairingValidator(),
		conf.Ledger.Degree, ledger.WithCacheSize(conf.Ledger.CacheSize))
	if err != nil {
		return fmt.Errorf("loading ledger: %w", err)
	}

	gate, err := newGate(conf, l, store, false)
	if err != nil {
		_ = store.Close()
		return err
	}

	coord, err := ceremony.New(ctx, store, gate, crs.NewPairingValidator(), ceremonyOptions(conf, l)...)
	if err != nil {
		_ = store.Close()
		return err
	}
	defer coord.Stop()
	if err := coord.Halted(); err != nil {
		l.Errorw("ceremony halted, serving read-only state", "err", err)
	}

	var metricsListener net.Listener
	if conf.Metrics.Bind != "" {
		metricsListener, err = metrics.Start(l, conf.Metrics.Bind, conf.Metrics.Pprof)
		if err != nil {
			_ = store.Close()
			return err
		}
	}

	accessLog, err := openAccessLog(conf.HTTP.AccessLog)
	if err != nil {
		_ = store.Close()
		return err
	}

	api := shttp.New(l, version, coord, store, gate)
	server := &http.Server{
		Handler:           handlers.CombinedLoggingHandler(accessLog, api),
		ReadHeaderTimeout: 3 * time.Second,
	}
	listener, err := net.Listen("tcp", conf.HTTP.Bind)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("http listen: %w", err)
	}
	l.Infow("serving ceremony", "http", listener.Addr().String(), "metrics", conf.Metrics.Bind)

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		if err := server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	grp.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(sctx)
	})

	pub, err := newPublisher(conf)
	switch {
	case err != nil:
		l.Errorw("transcript disabled", "err", err)
	case pub != nil:
		exporter := transcript.NewExporter(l, pub, nil)
		grp.Go(func() error {
			follow(gctx, l, store, exporter, clockwork.NewRealClock(), followInterval)
			return nil
		})
	}

	var result *multierror.Error
	if err := grp.Wait(); err != nil {
		result = multierror.Append(result, err)
	}
	l.Infow("shutting down")
	if metricsListener != nil {
		if err := metricsListener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, err)
		}
	}
	if closer, ok := accessLog.(io.Closer); ok && accessLog != io.Writer(os.Stdout) {
		if err := closer.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := store.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// follow publishes the slots committed to the ledger, by this process or by
// others sharing the file, until ctx is done.
func follow(ctx context.Context, l log.Logger, store *ledger.Ledger, exporter *transcript.Exporter,
	clock clockwork.Clock, every time.Duration) {
	var next uint64
	ticker := clock.NewTicker(every)
	defer ticker.Stop()
	for {
		published, err := exporter.Sync(ctx, store, next)
		next += published
		if err != nil && ctx.Err() == nil {
			l.Warnw("transcript sync failed", "next", next, "err", err)
		}
		if slot, err := store.CurrentSlotNumber(ctx); err == nil {
			metrics.CurrentSlot.Set(float64(slot))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}

func ceremonyOptions(conf *config.Config, l log.Logger) []ceremony.Option {
	return []ceremony.Option{
		ceremony.WithLogger(l),
		ceremony.WithMaxAttempts(conf.Ceremony.MaxAttempts),
		ceremony.WithRetryBackoff(conf.Ceremony.RetryBackoff.Duration),
		ceremony.WithMaxSlots(conf.Ceremony.MaxSlots),
		ceremony.WithDeadline(conf.Ceremony.Deadline),
	}
}

// newPublisher returns the transcript destination of the configuration, or
// nil when none is set.
func newPublisher(conf *config.Config) (transcript.Publisher, error) {
	switch {
	case conf.Transcript.Dir != "":
		return transcript.NewDirPublisher(conf.Transcript.Dir)
	case conf.Transcript.S3Bucket != "":
		return transcript.NewS3Publisher(conf.Transcript.S3Region, conf.Transcript.S3Bucket, conf.Transcript.S3Prefix)
	default:
		return nil, nil
	}
}

func openAccessLog(path string) (io.Writer, error) {
	if path == "" {
		return os.Stdout, nil
	}
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("opening access log: %w", err)
	}
	return fd, nil
}
