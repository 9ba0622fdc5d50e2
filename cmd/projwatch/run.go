package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"projwatch/internal/api"
	"projwatch/internal/config"
	"projwatch/internal/event"
	"projwatch/internal/logging"
	"projwatch/internal/metrics"
	"projwatch/internal/project"
	"projwatch/internal/watcher"
)

const httpServerShutdownTimeout = 5 * time.Second
const signalHistorySize = 32
const maxSignalClients = 64
const projectEventWriteTimeout = time.Second

func newRunCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [dir...]",
		Short: "Watch projects until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(cmd, flags)
			if err != nil {
				return err
			}
			logger, err := newLogger(settings, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			signalCh := make(chan os.Signal, 2)
			signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(signalCh)
			stopSignals := watchShutdownSignals(logger, cancel, signalCh)
			defer stopSignals()

			return runDaemon(ctx, daemonOptions{
				Settings: settings,
				Dirs:     args,
				Logger:   logger,
				Metrics:  metrics.Default,
			})
		},
	}
	cmd.Flags().String("projects", "", "projects file (default: "+project.DefaultFile+" in the working directory or its parent)")
	cmd.Flags().String("listen", "", "HTTP listen address; empty disables the server")
	return cmd
}

type daemonOptions struct {
	Settings config.Settings
	Dirs     []string
	Logger   *logging.Logger
	Metrics  *metrics.Registry
	// Listener overrides Settings.Server.Listen.
	Listener net.Listener
	// Ready, when set, is called once the watcher is running and the
	// initial projects are registered.
	Ready func(*watcher.Service)
}

// runDaemon runs the watcher, the projects file reloader and the HTTP server
// until ctx is done or one of them fails.
func runDaemon(ctx context.Context, options daemonOptions) error {
	settings := options.Settings
	logger := options.Logger
	backend, err := watcher.ParseBackend(settings.Watcher.Backend)
	if err != nil {
		return err
	}

	// The buses outlive ctx: they close only after every publisher has
	// returned.
	signals := event.NewBus[watcher.Signal](context.Background(), event.BusOptions{
		Name:           "signals",
		HistorySize:    signalHistorySize,
		MaxSubscribers: maxSignalClients,
		Registry:       options.Metrics,
		Logger:         logger,
	})
	defer signals.Close()
	projectEvents := event.NewBus[event.Event](context.Background(), event.BusOptions{
		Name:         "projects",
		BlockOnFull:  true,
		WriteTimeout: projectEventWriteTimeout,
		Registry:     options.Metrics,
		Logger:       logger,
	})
	defer projectEvents.Close()

	service, err := watcher.New(watcher.Options{
		Backend:       backend,
		Logger:        logger,
		Metrics:       options.Metrics,
		Observer:      watcher.BusObserver{Bus: signals},
		Coalesce:      settings.Watcher.Coalesce,
		PollInterval:  settings.Watcher.PollInterval,
		DispatchQueue: settings.Watcher.DispatchQueue,
		Projects:      projectEvents,
	})
	if err != nil {
		return err
	}
	if err := service.Start(); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer service.Stop()
	logger.Info("watcher started", map[string]string{
		"backend": string(backend),
		"sources": fmt.Sprint(settings.SortedSources()),
	})

	tracker := project.NewTracker(service, logger)
	defer tracker.Clear()
	extra := make([]project.Entry, 0, len(options.Dirs))
	for _, dir := range options.Dirs {
		extra = append(extra, project.Entry{Name: dir, Path: dir})
	}

	group, groupCtx := errgroup.WithContext(ctx)

	if path, ok := resolveProjectsFile(settings); ok {
		reloader := project.NewReloader(path, tracker, settings.Projects.ReloadDebounce, logger)
		reloader.Extra = extra
		if _, err := reloader.Reload(); err != nil {
			logger.Warn("projects file not loaded", map[string]string{
				"path":  path,
				"error": err.Error(),
			})
			tracker.Apply(extra)
		}
		group.Go(func() error {
			return reloader.Run(groupCtx)
		})
	} else {
		tracker.Apply(extra)
	}

	projectUpdates, cancelProjectUpdates := projectEvents.SubscribeTypes(event.ProjectRegistered, event.ProjectUnregistered)
	defer cancelProjectUpdates()
	group.Go(func() error {
		logProjectEvents(groupCtx, projectUpdates, logger)
		return nil
	})

	if server, listener, err := newHTTPServer(settings, options, service, signals); err != nil {
		return err
	} else if server != nil {
		group.Go(func() error {
			logger.Info("projwatch listening", map[string]string{
				"addr": listener.Addr().String(),
			})
			if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), httpServerShutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	if options.Ready != nil {
		options.Ready(service)
	}

	err = group.Wait()
	logger.Info("projwatch stopping", map[string]string{
		"projects": strconv.Itoa(len(service.Projects())),
	})
	return err
}

func newHTTPServer(settings config.Settings, options daemonOptions, service *watcher.Service, signals *event.Bus[watcher.Signal]) (*http.Server, net.Listener, error) {
	listener := options.Listener
	if listener == nil {
		if settings.Server.Listen == "" {
			return nil, nil, nil
		}
		var err error
		listener, err = net.Listen("tcp", settings.Server.Listen)
		if err != nil {
			return nil, nil, fmt.Errorf("listen %s: %w", settings.Server.Listen, err)
		}
	}
	mux := http.NewServeMux()
	api.RegisterRoutes(mux, api.RouteOptions{
		Watcher:        service,
		Signals:        signals,
		Logger:         options.Logger,
		Metrics:        options.Metrics,
		AuthToken:      settings.Server.Token,
		AllowedOrigins: settings.Server.AllowedOrigins,
	})
	return &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}, listener, nil
}

// resolveProjectsFile returns the configured projects file, or the default
// one found next to the working directory.
func resolveProjectsFile(settings config.Settings) (string, bool) {
	if settings.Sources["projects.file"] != config.SourceDefault {
		return settings.Projects.File, settings.Projects.File != ""
	}
	return project.Find(workingDir())
}

func logProjectEvents(ctx context.Context, events <-chan event.Event, logger *logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case value, ok := <-events:
			if !ok {
				return
			}
			projectEvent, ok := value.(event.ProjectEvent)
			if !ok {
				continue
			}
			logger.Debug("project event", map[string]string{
				"type":        projectEvent.Type(),
				"path":        projectEvent.Path,
				"directories": strconv.Itoa(projectEvent.Directories),
			})
		}
	}
}
