package watcher

import (
	"time"

	"projwatch/internal/event"
	"projwatch/internal/fsutil"
	"projwatch/internal/logging"
	"projwatch/internal/metrics"
)

// Options configures a Service. The zero value watches with fsnotify and
// notifies nobody.
type Options struct {
	Backend      Backend
	Logger       *logging.Logger
	Metrics      *metrics.Registry
	Observer     Observer
	Coalesce     time.Duration
	PollInterval time.Duration
	// DispatchQueue bounds the signals waiting for the observer.
	DispatchQueue int
	// Projects receives an event for every project registered or unregistered.
	Projects *event.Bus[event.Event]
	// Primitive overrides the backend chosen by Backend.
	Primitive Primitive
	BatchHook func(Batch)
}

// Metrics reports current watcher stats.
type Metrics struct {
	Running  bool             `json:"running"`
	Projects int              `json:"projects"`
	Watches  int              `json:"watches"`
	Counters metrics.Snapshot `json:"counters"`
}

// Service is the recursive project watcher: one primitive, one registry, one
// event loop and one dispatcher.
type Service struct {
	primitive  Primitive
	registry   *Registry
	registrar  *TreeRegistrar
	loop       *EventLoop
	dispatcher *Dispatcher
	logger     *logging.Logger
	metrics    *metrics.Registry
	projects   *event.Bus[event.Event]
}

func New(options Options) (*Service, error) {
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	serviceMetrics := options.Metrics
	if serviceMetrics == nil {
		serviceMetrics = metrics.Default
	}

	primitive := options.Primitive
	if primitive == nil {
		var err error
		primitive, err = NewPrimitive(options.Backend, PrimitiveOptions{
			Logger:       logger,
			Metrics:      serviceMetrics,
			Coalesce:     options.Coalesce,
			PollInterval: options.PollInterval,
		})
		if err != nil {
			return nil, err
		}
	}

	registry := NewRegistry()
	registrar := NewTreeRegistrar(primitive, registry, logger, serviceMetrics)
	dispatcher := NewDispatcher(options.Observer, options.DispatchQueue, logger, serviceMetrics)
	loop := NewEventLoop(primitive, registry, registrar, dispatcher, LoopOptions{
		Logger:    logger,
		Metrics:   serviceMetrics,
		BatchHook: options.BatchHook,
	})
	return &Service{
		primitive:  primitive,
		registry:   registry,
		registrar:  registrar,
		loop:       loop,
		dispatcher: dispatcher,
		logger:     logger,
		metrics:    serviceMetrics,
		projects:   options.Projects,
	}, nil
}

func (service *Service) Start() error {
	if service == nil {
		return ErrLoopFinished
	}
	return service.loop.Start()
}

// Stop ends the event loop, releases every OS watch and flushes pending
// observer signals. The service cannot be started again.
func (service *Service) Stop() error {
	if service == nil {
		return nil
	}
	err := service.loop.Stop()
	service.dispatcher.Close()
	return err
}

func (service *Service) IsRunning() bool {
	if service == nil {
		return false
	}
	return service.loop.IsRunning()
}

// RegisterProject starts watching root and everything beneath it.
func (service *Service) RegisterProject(root string) int {
	if service == nil {
		return 0
	}
	count := service.registrar.RegisterProject(root)
	if normalized, err := fsutil.NormalizeDir(root); err == nil && fsutil.IsDir(normalized) {
		service.projects.Publish(event.NewProjectEvent(event.ProjectRegistered, normalized, count))
	}
	return count
}

// UnregisterProject stops watching root and everything beneath it.
func (service *Service) UnregisterProject(root string) int {
	if service == nil {
		return 0
	}
	count := service.registrar.UnregisterProject(root)
	if normalized, err := fsutil.NormalizeDir(root); err == nil {
		service.projects.Publish(event.NewProjectEvent(event.ProjectUnregistered, normalized, count))
	}
	return count
}

func (service *Service) Projects() []string {
	if service == nil {
		return nil
	}
	return service.registrar.Projects()
}

func (service *Service) Entries() []Entry {
	if service == nil {
		return nil
	}
	return service.registry.Entries()
}

// EntriesUnder returns the entries at or beneath root, sorted by path.
func (service *Service) EntriesUnder(root string) []Entry {
	if service == nil {
		return nil
	}
	normalized, err := fsutil.NormalizeDir(root)
	if err != nil {
		return nil
	}
	entries := make([]Entry, 0)
	for path, token := range service.registry.EntriesUnder(normalized) {
		entries = append(entries, Entry{Path: path, Token: token})
	}
	sortEntries(entries)
	return entries
}

func (service *Service) Metrics() Metrics {
	if service == nil {
		return Metrics{}
	}
	return Metrics{
		Running:  service.IsRunning(),
		Projects: len(service.registrar.Projects()),
		Watches:  service.registry.Len(),
		Counters: service.metrics.Snapshot(),
	}
}

func withWatcherFields(fields map[string]string) map[string]string {
	merged := make(map[string]string, len(fields)+1)
	merged["projwatch.category"] = "watcher"
	for key, value := range fields {
		merged[key] = value
	}
	return merged
}
