package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/run-ci/composer/cmd/api-server/http"
	"github.com/run-ci/composer/cmd/api-server/queue"
	"github.com/run-ci/composer/schema"
	"github.com/run-ci/composer/store"

	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// changesSubject is where every applied pipeline edit is published.
const changesSubject = "pipelines.changed"

// shutdownTimeout bounds how long in-flight requests get to finish.
const shutdownTimeout = 15 * time.Second

var logger *logrus.Entry

type config struct {
	Addr       string `validate:"required"`
	PGUser     string `validate:"required"`
	PGPass     string `validate:"required"`
	PGHref     string `validate:"required"`
	PGDB       string `validate:"required"`
	PGSSL      string `validate:"oneof=disable allow prefer require verify-ca verify-full"`
	NATSURL    string `validate:"required,url"`
	JWTSecret  string
	SchemaPath string `validate:"omitempty,file"`
}

func (c config) pgconnstr() string {
	return fmt.Sprintf("postgres://%v:%v@%v/%v?sslmode=%v",
		c.PGUser, c.PGPass, c.PGHref, c.PGDB, c.PGSSL)
}

var cfg config

func init() {
	lvl, err := logrus.ParseLevel(os.Getenv("COMPOSER_LOG_LEVEL"))
	if err != nil {
		lvl = logrus.InfoLevel
	}

	logrus.SetLevel(lvl)

	logger = logrus.WithField("package", "main")
}

// loadConfig reads the COMPOSER_* environment, fills in defaults and
// validates the result.
func loadConfig(getenv func(string) string) (config, error) {
	cfg := config{
		Addr:       getenv("COMPOSER_ADDR"),
		PGUser:     getenv("COMPOSER_POSTGRES_USER"),
		PGPass:     getenv("COMPOSER_POSTGRES_PASS"),
		PGHref:     getenv("COMPOSER_POSTGRES_HREF"),
		PGDB:       getenv("COMPOSER_POSTGRES_DB"),
		PGSSL:      getenv("COMPOSER_POSTGRES_SSL"),
		NATSURL:    getenv("COMPOSER_NATS_URL"),
		JWTSecret:  getenv("COMPOSER_JWT_SECRET"),
		SchemaPath: getenv("COMPOSER_SCHEMA_PATH"),
	}

	if cfg.Addr == "" {
		cfg.Addr = ":9001"
	}

	if cfg.PGSSL == "" {
		logger.Info("COMPOSER_POSTGRES_SSL not set - defaulting to verify-full")
		cfg.PGSSL = "verify-full"
	}

	if cfg.NATSURL == "" {
		logger.Warnf("setting NATS url to %v", nats.DefaultURL)
		cfg.NATSURL = nats.DefaultURL
	}

	if cfg.JWTSecret == "" {
		logger.Warn("COMPOSER_JWT_SECRET not set - defaulting to \"\" (HIGHLY INSECURE!)")
	}

	return cfg, validator.New().Struct(cfg)
}

func loadSchema() *schema.Validator {
	if cfg.SchemaPath == "" {
		return schema.Default()
	}

	v, err := schema.Load(cfg.SchemaPath)
	if err != nil {
		logger.WithError(err).WithField("path", cfg.SchemaPath).Fatal("unable to load schema")
	}
	return v
}

type server interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// serve runs srv until it fails or ctx is done. The server is shut down
// before any of closers is closed, so no handler is left sending on a
// closed queue.
func serve(ctx context.Context, srv server, closers ...io.Closer) error {
	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()

	var err error
	select {
	case err = <-errc:
	case <-ctx.Done():
		logger.Info("shutting down server")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		err = srv.Shutdown(sctx)
		cancel()

		// ListenAndServe returns http.ErrServerClosed after Shutdown.
		<-errc
	}

	for _, c := range closers {
		if cerr := c.Close(); cerr != nil {
			logger.WithError(cerr).Error("unable to close resource")
		}
	}

	return err
}

func main() {
	logger.Info("booting server...")

	var err error
	cfg, err = loadConfig(os.Getenv)
	if err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}

	logger.Info("loading pipeline schema")
	check := loadSchema().Func()

	logger.Info("connecting to database")
	st, err := store.NewPostgres(cfg.pgconnstr())
	if err != nil {
		logger.WithError(err).Fatal("unable to connect to postgres")
	}

	if err := st.Migrate(); err != nil {
		st.Close()
		logger.WithError(err).Fatal("unable to migrate database")
	}

	logger.Info("setting up NATS connection")
	bus, err := queue.NewNATS(cfg.NATSURL)
	if err != nil {
		st.Close()
		logger.WithError(err).Fatal("unable to connect to NATS")
	}

	logger.WithField("subject", changesSubject).Info("setting up change event send channel")
	send := bus.SenderOn(changesSubject)

	srv := http.NewServer(cfg.Addr, send, st, cfg.JWTSecret, check)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithField("addr", cfg.Addr).Info("listening")
	if err := serve(ctx, srv, bus, st); err != nil {
		logger.WithError(err).Error("server stopped")
		stop()
		os.Exit(1)
	}

	logger.Info("server stopped")
}
