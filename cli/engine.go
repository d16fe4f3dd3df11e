package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/moyoez/courseupload/endpoint"
	"github.com/moyoez/courseupload/netprobe"
	"github.com/moyoez/courseupload/notify"
	"github.com/moyoez/courseupload/s3direct"
	"github.com/moyoez/courseupload/session"
	"github.com/moyoez/courseupload/tool"
	"github.com/moyoez/courseupload/transfer"
	"github.com/moyoez/courseupload/types"
	"github.com/moyoez/courseupload/uploader"
)

// provider is what both backends implement.
type provider interface {
	transfer.MultipartInitiator
	transfer.PartURLIssuer
	transfer.Completer
	transfer.Aborter
	transfer.AssetRegistrar
}

// engine is everything a command needs to run uploads.
type engine struct {
	cfg     types.AppConfig
	store   *session.Store
	sampler *netprobe.Sampler
	bus     *notify.Bus
	sink    *notify.SocketSink
	uploads *uploader.Uploader
}

func openEngine(ctx context.Context, cfg types.AppConfig) (*engine, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	prov, err := openProvider(ctx, cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	e := &engine{
		cfg:     cfg,
		store:   store,
		sampler: netprobe.NewSampler(cfg.Network, nil),
		bus:     notify.NewBus(),
	}
	if cfg.Server.NotifySocket != "" {
		e.sink = notify.NewSocketSink(cfg.Server.NotifySocket, 0)
		e.sink.Attach(e.bus)
	}
	e.uploads, err = uploader.New(uploader.Deps{
		Store:     store,
		Sampler:   e.sampler,
		Initiator: prov,
		Issuer:    prov,
		Completer: prov,
		Registrar: prov,
		Aborter:   prov,
		Bus:       e.bus,
	}, uploader.Config{
		SpoolDir:           filepath.Join(cfg.StateDir, "spool"),
		Encryption:         cfg.Encryption,
		Network:            cfg.Network,
		Limiter:            tool.NewBandwidthLimiter(cfg.Transfer.MaxBytesPerSecond),
		CompletionAttempts: cfg.Transfer.CompletionAttempts,
	})
	if err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func openStore(ctx context.Context, cfg types.AppConfig) (*session.Store, error) {
	var backend session.Backend
	switch cfg.Store.Driver {
	case "sqlite":
		b, err := session.OpenSQLiteBackend(ctx, filepath.Join(cfg.StateDir, "sessions.db"), cfg.Store.Passphrase)
		if err != nil {
			return nil, err
		}
		backend = b
	case "file", "":
		b, err := session.NewFileBackend(filepath.Join(cfg.StateDir, "sessions"))
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	return session.NewStore(ctx, backend, session.Options{
		Retention:   cfg.Store.Retention,
		MaxSessions: cfg.Store.MaxSessions,
	})
}

func openProvider(ctx context.Context, cfg types.AppConfig) (provider, error) {
	switch cfg.Backend {
	case "s3":
		p, err := s3direct.NewFromConfig(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "http", "":
		if cfg.Endpoint.BaseURL == "" {
			return nil, errors.New("endpoint.baseURL is required for the http backend")
		}
		return endpoint.NewClientFromConfig(cfg.Endpoint, nil), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// Close aborts running uploads and releases the store.
func (e *engine) Close() {
	if e.uploads != nil {
		e.uploads.Close()
	}
	if e.sink != nil {
		e.sink.Close()
	}
	if err := e.store.Close(); err != nil {
		tool.DefaultLogger.Warnf("Failed to close session store: %v", err)
	}
}
