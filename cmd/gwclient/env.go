package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/nhle/groupware/internal/cache"
	"github.com/nhle/groupware/internal/credential"
	"github.com/nhle/groupware/internal/data"
	"github.com/nhle/groupware/internal/metrics"
	"github.com/nhle/groupware/internal/model"
	"github.com/nhle/groupware/internal/transport"
)

// env holds the collaborators shared by the commands.
type env struct {
	cfg        *model.AppConfig
	configPath string
	logger     *logrus.Logger
	log        *logrus.Entry
	logFile    *os.File
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	vault      *credential.Vault
	client     *data.Client
	notifier   *data.Notifier
	cache      *cache.SQLiteCache
	password   string
	token      string
}

func loadConfig(configPath string) (*model.AppConfig, string, error) {
	if configPath == "" {
		configPath = model.DefaultConfigPath()
	}
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return nil, "", err
	}
	return cfg, configPath, nil
}

func newEnv(configPath string, verbose bool) (*env, error) {
	cfg, configPath, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	if verbose {
		level = logrus.DebugLevel
	}
	logger.SetLevel(level)

	e := &env{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		log:        logrus.NewEntry(logger).WithField("user", cfg.Account.Username),
		registry:   prometheus.NewRegistry(),
	}
	e.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	e.metrics = metrics.New(e.registry)

	if cfg.Server.URL == "" || cfg.Account.Username == "" {
		return nil, errors.New("not configured: run gwclient login first")
	}

	e.vault, err = credential.Open(credential.ServiceName, "")
	if err != nil {
		return nil, err
	}
	e.password, err = e.vault.Password(cfg.Account.Username)
	if err != nil {
		return nil, fmt.Errorf("no stored password for %s, run gwclient login: %w", cfg.Account.Username, err)
	}
	e.token, _ = e.vault.Get(credential.SessionKey(cfg.Account.Username))

	tr := transport.NewHTTPTransport(transport.HTTPConfig{
		URL:          cfg.Server.URL,
		Username:     cfg.Account.Username,
		Password:     e.password,
		SessionToken: e.token,
		Timeout:      cfg.Server.Timeout(),
		MaxRetries:   cfg.Server.MaxRetries,
		RateLimit:    cfg.Server.RateLimit,
		Logger:       e.log,
	})
	e.client = data.NewClient(tr, data.WithLogger(e.log), data.WithMetrics(e.metrics))
	e.notifier = data.NewNotifier(e.log, e.metrics)
	e.client.OnNotification(e.notifier.HandleResponse)

	if cfg.Cache.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Cache.Path), 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
		e.cache, err = cache.NewSQLiteCache(cfg.Cache.Path)
		if err != nil {
			e.log.WithError(err).Warn("offline cache disabled")
		}
	}
	return e, nil
}

// LogToFile moves logging off the terminal, next to the cache database.
func (e *env) LogToFile() error {
	path := filepath.Join(filepath.Dir(e.cfg.Cache.Path), "gwclient.log")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	e.logFile = f
	e.logger.SetOutput(f)
	return nil
}

// Close releases the cache and log file.
func (e *env) Close() {
	if e.cache != nil {
		_ = e.cache.Close()
	}
	if e.logFile != nil {
		_ = e.logFile.Close()
	}
}

// ServeMetrics exposes the registry on addr in the background.
func (e *env) ServeMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.WithError(err).WithField("addr", addr).Error("metrics server stopped")
		}
	}()
}

// NewMailStore creates the mail store of one folder.
func (e *env) NewMailStore(s scope) (*data.Store, error) {
	if s.FolderID == "" {
		return nil, errors.New("no folder given and no inbox configured")
	}
	cfg := data.StoreConfig{
		Name:     "Inbox",
		FolderID: s.FolderID,
		StoreID:  s.StoreID,
		Proxy:    data.NewModuleProxy(e.client, "maillistmodule"),
		Reader:   data.NewReader(model.NewRegistry(), model.Mail),
		Logger:   e.log,
		Metrics:  e.metrics,
	}
	if s.FolderID != e.cfg.Account.InboxID {
		cfg.Name = "Folder"
	}
	if e.cache != nil {
		cfg.Cache = e.cache
	}
	return data.NewStore(cfg)
}

// RunPush forwards websocket frames to the client until ctx is done. It
// returns at once when no push endpoint is configured.
func (e *env) RunPush(ctx context.Context) {
	if e.cfg.Server.PushURL == "" {
		return
	}
	header := http.Header{}
	if e.token != "" {
		header.Set("Authorization", "Bearer "+e.token)
	} else {
		creds := e.cfg.Account.Username + ":" + e.password
		header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(creds)))
	}
	listener := transport.NewPushListener(e.cfg.Server.PushURL, header, e.log)
	err := listener.Run(ctx, func(frame []byte) {
		if err := e.client.HandlePush(frame); err != nil {
			e.log.WithError(err).Warn("dropping push frame")
		}
	})
	if err != nil && ctx.Err() == nil {
		e.log.WithError(err).Error("push channel closed")
	}
}
