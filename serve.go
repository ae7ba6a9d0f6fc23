package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/friespotatotissue/please/internal/config"
	"github.com/friespotatotissue/please/internal/core"
	"github.com/friespotatotissue/please/internal/httpapi"
	"github.com/friespotatotissue/please/internal/metrics"
	"github.com/friespotatotissue/please/internal/store"
	"github.com/friespotatotissue/please/internal/wt"
)

// Settings keys recorded in the SQLite store.
const (
	settingVersion     = "server_version"
	settingLastStarted = "last_started_at"
)

// backend is an opened identity store. sqlite is set only for the SQLite
// backend.
type backend struct {
	identities core.IdentityStore
	sqlite     *store.Store
}

func openBackend(cfg config.Config) (*backend, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		st, err := store.Open(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return &backend{identities: st, sqlite: st}, nil
	case config.StoreJSON:
		return &backend{identities: store.NewFileStore(cfg.DBPath)}, nil
	case config.StoreMemory:
		return &backend{identities: store.NewMemory()}, nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

func (b *backend) requireSQLite() (*store.Store, error) {
	if b.sqlite == nil {
		return nil, errors.New("this command needs the sqlite store")
	}
	return b.sqlite, nil
}

// close runs SQLite maintenance and closes the database.
func (b *backend) close() {
	if b.sqlite == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.sqlite.Optimize(ctx); err != nil {
		slog.Warn("sqlite optimize", "err", err)
	}
	if err := b.sqlite.Close(); err != nil {
		slog.Error("close sqlite store", "err", err)
	}
}

// runServe wires the stores, engine and transports and blocks until ctx is
// canceled or a listener fails.
func runServe(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	slog.Info("starting server", "version", Version, "addr", cfg.Addr, "store", cfg.Store, "identity", cfg.Identity)

	b, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer b.close()
	if b.sqlite != nil {
		recordStart(ctx, b.sqlite)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	limit, burst := cfg.RateLimit()
	engine := core.NewEngine(core.Options{
		Resolver:  cfg.Resolver(),
		Store:     b.identities,
		RateLimit: limit,
		RateBurst: burst,
		Observer:  metrics.NewCollector(reg),
	})
	if err := engine.Load(ctx); err != nil {
		return fmt.Errorf("load identities: %w", err)
	}
	metrics.RegisterGauges(reg, engine)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg    sync.WaitGroup
		wtErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.RunHeartbeat(ctx, cfg.Heartbeat)
	}()
	if cfg.MetricsInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			metrics.RunReporter(ctx, engine, cfg.MetricsInterval)
		}()
	}

	if cfg.WTAddr != "" {
		cert, err := wt.NewCertificate(cfg.WTHost, wt.MaxCertValidity, time.Now())
		if err != nil {
			return fmt.Errorf("webtransport tls: %w", err)
		}
		slog.Info("webtransport certificate",
			"host", cfg.WTHost,
			"sha256", cert.Fingerprint(),
			"hash_b64", cert.HashBase64(),
			"expires", cert.NotAfter.Format(time.RFC3339),
		)

		srv := wt.NewServer(cfg.WTAddr, cert.TLS, engine)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				wtErr = fmt.Errorf("webtransport: %w", err)
				cancel()
			}
		}()
	}

	runErr := httpapi.New(engine, reg).Run(ctx, cfg.Addr)
	cancel()
	engine.Shutdown()
	wg.Wait()

	if err := errors.Join(runErr, wtErr); err != nil {
		return err
	}
	slog.Info("server stopped")
	return nil
}

func recordStart(ctx context.Context, st *store.Store) {
	if prev, ok, err := st.GetSetting(ctx, settingLastStarted); err == nil && ok {
		slog.Debug("previous start", "at", prev)
	}
	for key, val := range map[string]string{
		settingVersion:     Version,
		settingLastStarted: time.Now().UTC().Format(time.RFC3339),
	} {
		if err := st.SetSetting(ctx, key, val); err != nil {
			slog.Warn("record setting", "key", key, "err", err)
		}
	}
}
