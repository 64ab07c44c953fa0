// Package nexus is the backend service: profiles, the message log, room presence
// and the change-notification feed, served over HTTP and websocket.
package nexus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/cors"
	"github.com/putto11262002/nexus/core"
	"github.com/putto11262002/nexus/pkg/router"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	config  *Config
	db      *core.SQLiteDB
	context context.Context
	cancel  context.CancelFunc
	server  *http.Server
	logger  *slog.Logger
	router  *router.Router
	feed    *core.ConnManager
	sweeper *core.PresenceSweeper
	redis   *redis.Client
	bus     *core.RedisChangeBus

	profileStore  core.ProfileStore
	messageStore  core.MessageStore
	presenceStore core.PresenceStore
	authStore     core.AuthStore

	profileHandler  *ProfileHandler
	authHandler     *AuthHandler
	messageHandler  *MessageHandler
	presenceHandler *PresenceHandler
}

// NewLogger returns a text logger that prints the base name of the source file.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				source, _ := a.Value.Any().(*slog.Source)
				if source != nil {
					source.File = filepath.Base(source.File)
				}
			}
			return a
		},
	}))
}

// New opens and migrates the database and wires the stores, the feed and the routes.
// The app lives until ctx is done or Close is called.
func New(ctx context.Context, config *Config, logger *slog.Logger) (*App, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %s", FormatValidationErrors(err))
	}

	app := &App{config: config, logger: logger}
	app.context, app.cancel = context.WithCancel(ctx)

	sqliteOptions := &core.SQLiteDBOption{
		Mode:        config.SQLite.Mode,
		Cache:       "shared",
		JournalMode: config.SQLite.JournalMode,
		BusyTimeout: 5000,
		ForeignKeys: true,
	}
	db, err := core.NewSQLiteDB(config.SQLite.File, config.SQLite.Migrations, sqliteOptions)
	if err != nil {
		app.cancel()
		return nil, fmt.Errorf("NewSQLiteDB: %w", err)
	}
	app.db = db
	if err := app.db.Migrate(); err != nil {
		app.cancel()
		db.Close()
		return nil, fmt.Errorf("Migrate: %w", err)
	}

	app.feed = core.NewConnManager(app.context, app.logger)
	var publisher core.ChangePublisher = app.feed
	if config.Redis.URL != "" {
		redisOptions, err := redis.ParseURL(config.Redis.URL)
		if err != nil {
			app.cancel()
			db.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		app.redis = redis.NewClient(redisOptions)
		app.bus = core.NewRedisChangeBus(app.redis, config.Redis.Channel, app.feed, app.logger)
		publisher = app.bus
	}
	storeOpts := []core.StoreOption{core.WithPublisher(publisher), core.WithStoreLogger(app.logger)}

	app.profileStore = core.NewSQLiteProfileStore(db.DB)
	app.messageStore = core.NewSQLiteMessageStore(db.DB, storeOpts...)
	app.presenceStore = core.NewSQLitePresenceStore(db.DB, storeOpts...)
	app.authStore = core.NewSQLiteAuthStore(db.DB, app.profileStore, config.Auth.Secret,
		core.WithTokenExp(config.Auth.TokenExp))
	app.sweeper = core.NewPresenceSweeper(app.presenceStore,
		config.Presence.SweepInterval, config.Presence.StaleAfter, app.logger)

	app.profileHandler = NewProfileHandler(app.profileStore)
	app.authHandler = NewAuthHandler(app.authStore, app.feed)
	app.messageHandler = NewMessageHandler(app.messageStore)
	app.presenceHandler = NewPresenceHandler(app.presenceStore)

	app.routes()

	app.server = &http.Server{
		Addr:    config.Addr(),
		Handler: app.router,
		BaseContext: func(listener net.Listener) context.Context {
			return app.context
		},
	}
	if config.tlsEnabled() {
		app.server.TLSConfig = defaultTLSConfig.Clone()
	}

	return app, nil
}

func (app *App) routes() {
	authMiddleware := core.JWTMiddleware(app.authStore)

	app.router = router.New(router.WithLogger(app.logger))
	app.router.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   app.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))
	registerErrorMappers(app.router)

	app.router.With(authMiddleware).Get("/ws", func(w http.ResponseWriter, r *http.Request) error {
		return app.feed.Connect(core.SessionFromRequest(r), w, r)
	})

	api := router.New(router.WithLogger(app.logger))
	registerErrorMappers(api)

	api.Route("/profiles", func(r *router.Router) {
		r.Post("/", app.profileHandler.RegisterHandler)
		r.With(authMiddleware).Get("/", app.profileHandler.GetProfilesHandler)
		r.With(authMiddleware).Get("/me", app.profileHandler.MeHandler)
	})

	api.Route("/auth", func(r *router.Router) {
		r.Post("/signin", app.authHandler.SigninHandler)
		r.With(authMiddleware).Post("/signout", app.authHandler.SignoutHandler)
	})

	api.Group(func(r *router.Router) {
		r.Use(authMiddleware)
		r.Get("/rooms/{roomID}/messages", app.messageHandler.GetRoomMessagesHandler)
		r.Get("/rooms/{roomID}/presence", app.presenceHandler.GetRoomPresenceHandler)

		writes := r
		if app.config.RateLimit.WritesPerMinute > 0 {
			limiter := newWriteLimiter(app.config.RateLimit.WritesPerMinute, app.config.RateLimit.Burst)
			writes = r.With(limiter.Middleware)
		}
		writes.Post("/rooms/{roomID}/messages", app.messageHandler.CreateMessageHandler)
		writes.Post("/rpc/update_user_presence", app.presenceHandler.UpdatePresenceHandler)
	})

	app.router.Mount("/api", api)
}

// Handler returns the root handler of the app.
func (app *App) Handler() http.Handler {
	return app.router
}

// Feed returns the connection manager serving the change-notification feed.
func (app *App) Feed() *core.ConnManager {
	return app.feed
}

// Run serves HTTP, sweeps stale presence and relays changes through redis when
// configured until ctx is done or the server
// fails, then shuts everything down.
func (app *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		app.logger.Info(fmt.Sprintf("listening on %s", app.server.Addr), slog.Bool("tls", app.config.tlsEnabled()))
		var err error
		if app.config.tlsEnabled() {
			err = app.server.ListenAndServeTLS(app.config.TLS.Crt, app.config.TLS.Key)
		} else {
			err = app.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ListenAndServe: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return app.sweeper.Run(gctx)
	})

	if app.bus != nil {
		g.Go(func() error {
			return app.bus.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// hijacked websocket connections are not tracked by Shutdown
		app.feed.Close()
		if err := app.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("Shutdown: %w", err)
		}
		return nil
	})

	err := g.Wait()
	if cerr := app.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	if err == nil {
		app.logger.Info("app shutdown gracefully")
	}
	return err
}

// Close closes the feed connections, the redis client and the database.
func (app *App) Close() error {
	app.feed.Close()
	app.cancel()
	var err error
	if app.redis != nil {
		err = app.redis.Close()
	}
	return errors.Join(err, app.db.Close())
}
