package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/motech/platform/internal/mds"
	"github.com/motech/platform/internal/openmrs"
	"github.com/motech/platform/internal/pillreminder"
	"github.com/motech/platform/internal/scheduletracking"
	"github.com/motech/platform/internal/shared/auth"
	"github.com/motech/platform/internal/shared/config"
	"github.com/motech/platform/internal/shared/database"
	"github.com/motech/platform/internal/shared/events"
	"github.com/motech/platform/internal/shared/metrics"
	secmiddleware "github.com/motech/platform/internal/shared/middleware"
	"github.com/motech/platform/internal/shared/types"
	"github.com/motech/platform/internal/sms"
	"github.com/motech/platform/internal/websecurity"
	"github.com/rs/zerolog"
)

// App holds all application dependencies
type App struct {
	Config     *config.Config
	Logger     zerolog.Logger
	DB         *database.DB
	Bus        events.EventBus
	Migrations []string
	Locations  *config.LocationFileStore

	MDS          *mds.Services
	Security     *websecurity.Service
	SMS          *sms.Service
	PillReminder *pillreminder.Scheduler
	Schedules    *scheduletracking.EnrollmentService
}

func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	app := &App{Config: cfg, Logger: logger}

	locations, err := config.NewLocationFileStore(cfg.ConfigLocation.File, logger)
	if err != nil {
		return err
	}
	app.Locations = locations

	if cfg.Database.Enabled {
		db, err := database.New(ctx, cfg.Database, logger)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		app.DB = db
		defer db.Close()

		applied, err := database.Migrate(ctx, db.Pool, logger)
		if err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		app.Migrations = applied
	}

	bus, err := events.NewEventBus(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	app.Bus = bus
	defer bus.Close()
	logger.Info().Str("transport", cfg.Events.Transport).Msg("event bus initialized")

	if err := app.initMDS(); err != nil {
		return err
	}
	if err := app.initSecurity(ctx); err != nil {
		return err
	}
	if err := app.startModules(ctx); err != nil {
		return err
	}
	defer app.stopModules()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      app.router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("env", cfg.Server.Env).
			Int("port", cfg.Server.Port).
			Str("mds_store", cfg.MDS.Store).
			Str("mds_history", cfg.MDS.History).
			Bool("auth", cfg.Auth.Enabled).
			Msg("MOTECH platform listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func (a *App) initMDS() error {
	registry := mds.NewRegistry()
	if file := a.Locations.Resolve(a.Config.MDS.SchemaFile); file != "" {
		if err := registry.LoadSchemaFile(file); err != nil {
			return fmt.Errorf("mds schema: %w", err)
		}
	}

	var store mds.Store = mds.NewMemoryStore()
	if a.Config.MDS.Store == "postgres" {
		store = mds.NewPostgresStore(a.DB.Pool)
	}

	var history mds.HistoryRepository
	if a.Config.MDS.History == "kurrentdb" {
		kurrent, ok := a.Bus.(*events.Bus)
		if !ok {
			return fmt.Errorf("mds history kurrentdb needs the kurrentdb event bus")
		}
		history = mds.NewKurrentDBHistoryRepository(kurrent.Client())
	}

	a.MDS = mds.NewServices(registry, store, history, a.Bus, a.Logger,
		mds.WithDefaultUser(a.Config.Auth.DefaultUser))
	a.Logger.Info().Int("entities", len(registry.All())).Msg("data services initialized")
	return nil
}

func (a *App) initSecurity(ctx context.Context) error {
	var repo websecurity.Repository = websecurity.NewMemoryRepository()
	if a.DB != nil {
		repo = websecurity.NewPostgresRepository(a.DB.Pool)
	}
	a.Security = websecurity.NewService(repo, a.Config.Auth, types.SystemClock, a.Logger)
	if err := a.Security.Seed(ctx); err != nil {
		return fmt.Errorf("seed roles: %w", err)
	}

	ws := a.Config.WebSecurity
	if ws.AdminPassword == "" {
		return nil
	}
	users, err := a.Security.ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(users) > 0 {
		return nil
	}
	_, err = a.Security.CreateUser(ctx, websecurity.CreateUserRequest{
		UserName: ws.AdminUser,
		Password: ws.AdminPassword,
		Roles:    []string{websecurity.RoleAdmin},
	})
	return err
}

func (a *App) startModules(ctx context.Context) error {
	cfg := a.Config

	if cfg.SMS.Enabled {
		templates := sms.NewTemplateReader(a.Locations.Resolve(cfg.SMS.TemplateFile))
		sender := sms.NewSendHandler(templates, &http.Client{Timeout: cfg.SMS.Timeout}, a.Logger)
		a.SMS = sms.NewService(sender, a.Bus, sms.ServiceConfigFrom(cfg.SMS), a.Logger)
		if err := a.SMS.Start(ctx); err != nil {
			return fmt.Errorf("sms: %w", err)
		}
	}

	a.PillReminder = pillreminder.NewScheduler(a.Bus, types.SystemClock, cfg.PillReminder.TickInterval, a.Logger)
	if cfg.PillReminder.Enabled {
		a.PillReminder.Start(ctx)
	}

	repo, err := scheduletracking.NewMDSEnrollmentRepository(a.MDS)
	if err != nil {
		return fmt.Errorf("schedule tracking: %w", err)
	}
	a.Schedules = scheduletracking.NewEnrollmentService(repo, a.Bus, types.SystemClock, a.Logger)
	if file := a.Locations.Resolve(cfg.ScheduleTracking.SchedulesFile); file != "" {
		schedules, err := scheduletracking.LoadSchedulesFile(file)
		if err != nil {
			return fmt.Errorf("schedules: %w", err)
		}
		for _, s := range schedules {
			a.Schedules.RegisterSchedule(s)
		}
	}
	if cfg.ScheduleTracking.Enabled {
		a.Schedules.Start(ctx, cfg.ScheduleTracking.TickInterval)
	}
	return nil
}

func (a *App) stopModules() {
	if a.SMS != nil {
		if err := a.SMS.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("sms service stop")
		}
	}
	if a.Config.PillReminder.Enabled {
		if err := a.PillReminder.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("pill reminder stop")
		}
	}
	if a.Config.ScheduleTracking.Enabled {
		if err := a.Schedules.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("schedule tracking stop")
		}
	}
}

func (a *App) router() http.Handler {
	cfg := a.Config
	r := chi.NewRouter()

	limiter := secmiddleware.NewIPRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(secmiddleware.RequestLogger(a.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(secmiddleware.BodyLimit(cfg.Server.MaxBodyBytes))
	r.Use(secmiddleware.CORS(secmiddleware.DefaultCORSConfig()))
	r.Use(limiter.Middleware)
	r.Use(metrics.Middleware)

	// Health checks (unauthenticated)
	r.Get("/health", healthHandler)
	r.Get("/ready", a.readyHandler)
	r.Handle("/metrics", metrics.Handler())

	authenticate := auth.Middleware(cfg.Auth)
	r.Mount("/websecurity/api", websecurity.NewHandler(a.Security, authenticate).Routes())

	encounters := a.encounterAdapter()

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authenticate)

		r.With(auth.RequirePermissions(string(websecurity.PermManageEncounters))).
			Mount("/mrs", openmrs.NewHandler(encounters).Routes())
		r.With(auth.RequirePermissions(string(websecurity.PermManageReminders))).
			Mount("/pillreminder", pillreminder.NewHandler(a.PillReminder).Routes())
		r.With(auth.RequirePermissions(string(websecurity.PermManageSchedules))).
			Mount("/scheduletracking", scheduletracking.NewHandler(a.Schedules).Routes())
		r.With(auth.RequirePermissions(string(websecurity.PermSendSMS))).
			Mount("/sms", sms.NewHandler(a.Bus, a.SMS).Routes())
		r.With(auth.RequirePermissions(string(websecurity.PermMDSDataAccess))).
			Mount("/mds", mds.NewHandler(a.MDS).Routes())
	})

	return r
}

func (a *App) encounterAdapter() *openmrs.EncounterAdapter {
	cfg := a.Config.OpenMRS
	client := openmrs.NewRestfulClient(cfg, a.Logger)
	urls := openmrs.NewURLHolder(cfg.URL)
	patients := openmrs.NewPatientAdapter(client, urls)
	return openmrs.NewEncounterAdapter(client, patients, urls, a.Logger)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (a *App) readyHandler(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{
		"server": "ready",
	}

	if a.DB != nil {
		if err := a.DB.Health(r.Context()); err != nil {
			checks["database"] = "not ready: " + err.Error()
		} else {
			checks["database"] = "ready"
		}
	} else {
		checks["database"] = "not configured"
	}

	if err := a.Bus.Health(); err != nil {
		checks["events"] = "not ready: " + err.Error()
	} else {
		checks["events"] = "ready"
	}

	allReady := true
	for _, status := range checks {
		if status != "ready" && status != "not configured" {
			allReady = false
			break
		}
	}

	status := http.StatusOK
	if !allReady {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status":     map[bool]string{true: "ready", false: "not ready"}[allReady],
		"checks":     checks,
		"migrations": a.Migrations,
		"transport":  a.Config.Events.Transport,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
