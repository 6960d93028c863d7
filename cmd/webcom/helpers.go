package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	webcom "github.com/webcom-chat/webcom-go"
)

// session bundles what a command needs; close releases it.
type session struct {
	cfg     *Config
	client  *webcom.Client
	logger  *slog.Logger
	closers []func() error
}

func (s *session) close() {
	s.client.Close()
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn("close failed", "error", err)
		}
	}
}

// openSession loads the config and builds a client over the configured
// storage and backend. A persisted login is resumed on the backend.
func openSession(ctx context.Context, opts ...webcom.ClientOption) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	s := &session{cfg: cfg, logger: newLogger(cfg.Log)}

	store, err := openStore(ctx, cfg.Storage, s)
	if err != nil {
		s.closeAll()
		return nil, err
	}
	backend, err := openBackend(cfg, s)
	if err != nil {
		s.closeAll()
		return nil, err
	}

	opts = append([]webcom.ClientOption{webcom.WithLogger(s.logger)}, opts...)
	s.client = webcom.NewClient(backend, store, opts...)
	if s.client.Session() != nil {
		if err := s.client.Resume(ctx); err != nil {
			s.logger.Warn("could not resume session", "error", err)
		}
	}
	return s, nil
}

func (s *session) closeAll() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}

func openStore(ctx context.Context, cfg ConfigStorage, s *session) (webcom.KeyValueStore, error) {
	switch cfg.Driver {
	case "memory":
		return webcom.NewMemoryStorage(), nil
	case "redis":
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		rs, err := webcom.NewRedisStorage(ctx, webcom.RedisOptions{
			Addr:     addr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   "webcom:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.closers = append(s.closers, rs.Close)
		return rs, nil
	default:
		path := cfg.Path
		if path == "" {
			dir, err := configDir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(dir, "cache.db")
		}
		st, err := webcom.OpenSQLiteStorage(path)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, st.Close)
		return st, nil
	}
}

func openBackend(cfg *Config, s *session) (webcom.Backend, error) {
	switch cfg.Default.Backend {
	case "local":
		path := cfg.Default.LocalDB
		if path == "" {
			dir, err := configDir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(dir, "local.db")
		}
		server, err := webcom.OpenLocalServer(path, webcom.WithLocalLogger(s.logger))
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, server.Close)
		return server.NewBackend(), nil
	case "parse":
		if cfg.Parse.AppID == "" {
			return nil, fmt.Errorf("no Parse app id. Run 'webcom init <app-id>' first")
		}
		opts := []webcom.ParseOption{webcom.WithParseLogger(s.logger)}
		if cfg.Parse.ServerURL != "" {
			opts = append(opts, webcom.WithServerURL(cfg.Parse.ServerURL))
		}
		if cfg.Parse.RESTKey != "" {
			opts = append(opts, webcom.WithRESTKey(cfg.Parse.RESTKey))
		}
		if cfg.Parse.MasterKey != "" {
			opts = append(opts, webcom.WithMasterKey(cfg.Parse.MasterKey))
		}
		if cfg.Parse.LiveQueryURL != "" {
			opts = append(opts, webcom.WithLiveQueryURL(cfg.Parse.LiveQueryURL))
		}
		opts = append(opts, webcom.WithLiveQueryConfig(webcom.LiveQueryConfig{AutoReconnect: true}))
		return webcom.NewParseBackend(cfg.Parse.AppID, opts...), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (valid: parse, local)", cfg.Default.Backend)
	}
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
