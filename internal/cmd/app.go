package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"golang.org/x/time/rate"

	"github.com/inercia/fundchat/internal/chat"
	"github.com/inercia/fundchat/internal/client"
	"github.com/inercia/fundchat/internal/connection"
	"github.com/inercia/fundchat/internal/logging"
	"github.com/inercia/fundchat/internal/store"
)

// openStore opens the configured conversation store. The second result is
// the path a Watcher should observe, empty when there is nothing to watch.
func openStore() (store.Store, string, error) {
	path, err := cfg.StorePath()
	if err != nil {
		return nil, "", err
	}
	driver := cfg.StoreDriver()
	st, err := store.Open(driver, path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open %s store: %w", driver, err)
	}
	logging.CLI().Debug("store opened", "driver", string(driver), "path", path)

	switch driver {
	case store.DriverMemory:
		return st, "", nil
	case store.DriverSQLite:
		abs, err := filepath.Abs(path)
		if err != nil {
			return st, path, nil
		}
		return st, abs, nil
	default:
		return st, path, nil
	}
}

func newClient() *client.Client {
	var opts []client.Option
	if cfg.Backend.ChatPath != "" {
		opts = append(opts, client.WithChatPath(cfg.Backend.ChatPath))
	}
	if cfg.Backend.UploadPath != "" {
		opts = append(opts, client.WithUploadPath(cfg.Backend.UploadPath))
	}
	if cfg.Backend.UploadTimeout > 0 {
		opts = append(opts, client.WithTimeout(cfg.Backend.UploadTimeout.Std()))
	}
	return client.New(cfg.Backend.URL, opts...)
}

// connectionOptions maps the session settings onto the connection manager.
func connectionOptions() []connection.Option {
	var opts []connection.Option
	if cfg.Session.DialTimeout > 0 {
		opts = append(opts, connection.WithDialTimeout(cfg.Session.DialTimeout.Std()))
	}
	if cfg.Session.DialRate > 0 {
		burst := cfg.Session.DialBurst
		if burst < 1 {
			burst = 1
		}
		opts = append(opts, connection.WithRateLimit(rate.Limit(cfg.Session.DialRate), burst))
	}
	return opts
}

func newController(st store.Store, c *client.Client, token string, cb chat.Callbacks) (*chat.Controller, error) {
	endpoint, err := c.ChatURL()
	if err != nil {
		return nil, err
	}
	dialer, err := connection.NewWebSocketDialer(endpoint)
	if err != nil {
		return nil, err
	}
	return chat.New(chat.Config{
		Store:             st,
		Dialer:            dialer,
		Credential:        token,
		GraceInterval:     cfg.Session.GraceInterval.Std(),
		ConnectionOptions: connectionOptions(),
		Callbacks:         cb,
		Logger:            logging.Session(),
	})
}

// watchStore calls refresh whenever another process changes the store at path.
func watchStore(ctx context.Context, path string, refresh func(context.Context) error) (*store.Watcher, error) {
	log := logging.Store()
	w, err := store.NewWatcher(path, func(ev store.ChangeEvent) {
		if err := refresh(ctx); err != nil {
			log.Debug("refresh after store change failed", "error", err)
		}
	}, log)
	if err != nil {
		return nil, err
	}
	w.Start()
	return w, nil
}
