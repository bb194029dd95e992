package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TomW1605/DiscordModLog/auditlog"
	"github.com/TomW1605/DiscordModLog/guildconfig"
	"github.com/TomW1605/DiscordModLog/pipeline"
	"github.com/TomW1605/DiscordModLog/scheduler"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	slogecho "github.com/samber/slog-echo"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
)

var errBadToken = errors.New("invalid admin token")

type Server struct {
	echo       *echo.Echo
	httpd      *http.Server
	logger     *slog.Logger
	engine     *pipeline.Engine
	sched      *scheduler.Scheduler
	configPath string
}

type Config struct {
	Logger     *slog.Logger
	Engine     *pipeline.Engine
	Scheduler  *scheduler.Scheduler
	ConfigPath string
	AdminToken string
	Bind       string
}

func NewServer(config Config) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()

	// httpd
	var (
		httpTimeout        = 1 * time.Minute
		httpMaxHeaderBytes = 1 * (1024 * 1024)
	)

	srv := &Server{
		echo:       e,
		logger:     logger.With("system", "server"),
		engine:     config.Engine,
		sched:      config.Scheduler,
		configPath: config.ConfigPath,
	}
	srv.httpd = &http.Server{
		Handler:        srv,
		Addr:           config.Bind,
		WriteTimeout:   httpTimeout,
		ReadTimeout:    httpTimeout,
		MaxHeaderBytes: httpMaxHeaderBytes,
	}

	e.HideBanner = true
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	// warning evidence is uploaded inline
	e.Use(middleware.BodyLimit("10M"))
	e.Use(echoprometheus.NewMiddleware("modlogd"))
	e.Use(otelecho.Middleware("modlogd"))
	e.HTTPErrorHandler = srv.errorHandler

	e.GET("/_health", srv.HandleHealthCheck)
	e.GET("/metrics", echoprometheus.NewHandler())

	v1 := e.Group("/v1")
	admin := e.Group("/admin")
	if config.AdminToken != "" {
		auth := middleware.KeyAuth(func(key string, c echo.Context) (bool, error) {
			if key != config.AdminToken {
				return false, errBadToken
			}
			return true, nil
		})
		v1.Use(auth)
		admin.Use(auth)
	}
	v1.POST("/audit-events", srv.HandleAuditEvent)
	v1.POST("/warnings", srv.HandleWarning)
	v1.POST("/links/:ref", srv.HandleLink)
	admin.POST("/reload", srv.HandleReload)

	return srv
}

func (srv *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	srv.echo.ServeHTTP(rw, req)
}

// RunAPI serves HTTP until ctx is done.
func (srv *Server) RunAPI(ctx context.Context) error {
	srv.logger.Info("starting server", "bind", srv.httpd.Addr)
	errc := make(chan error, 1)
	go func() {
		if err := srv.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			srv.logger.Error("HTTP server shutting down unexpectedly", "err", err)
		}
		return err
	case <-ctx.Done():
	}

	srv.logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.httpd.Shutdown(sctx)
}

// RunReloadSignal reloads the community configuration on SIGHUP.
func (srv *Server) RunReloadSignal(ctx context.Context) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			if err := srv.reload(); err != nil {
				srv.logger.Error("configuration reload failed, keeping previous", "err", err)
			}
		}
	}
}

func (srv *Server) reload() error {
	cfg, _, err := guildconfig.LoadFile(srv.configPath)
	if err != nil {
		return err
	}
	return srv.engine.ReloadConfig(cfg)
}

// RunStdin processes newline-delimited audit entries from r until EOF or ctx
// is done. Malformed lines are logged and skipped.
func (srv *Server) RunStdin(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		e, err := auditlog.Decode(line)
		if err != nil {
			srv.logger.Warn("skipping malformed audit entry", "err", err)
			continue
		}
		err = srv.sched.AddWork(ctx, e.CommunityID.String(), func(ctx context.Context) error {
			_, err := srv.engine.Process(ctx, e)
			return err
		})
		if err != nil {
			return err
		}
	}
	return scanner.Err()
}
