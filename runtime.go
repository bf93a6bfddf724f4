package assetcache

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/always-cache/asset-cache/cache"

	"github.com/rs/zerolog"
)

// State is the lifecycle state of a worker.
// A worker moves strictly forward: Parsed, Installing, Installed,
// Activating, Active. A failed install or a replacement makes it Redundant.
type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActive
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	}
	return "unknown"
}

type RuntimeConfig struct {
	// Storage shared by all workers.
	Storage cache.Storage
	// Network for default handling and worker fetches.
	Network Network
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// Runtime hosts workers. It delivers lifecycle events to newly registered
// workers and routes every request to the active worker, falling back to
// the network for requests the worker does not intercept.
type Runtime struct {
	storage cache.Storage
	network Network
	log     zerolog.Logger
	// serializes registrations
	mutex  sync.Mutex
	active atomic.Pointer[Worker]
}

func NewRuntime(config RuntimeConfig) *Runtime {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	return &Runtime{
		storage: config.Storage,
		network: config.Network,
		log:     logger,
	}
}

// Register creates a worker for the configuration and runs it through its
// lifecycle. Storage, network and logger default to the runtime's own.
//
// If install fails, the error is returned and the previously active worker,
// if any, keeps serving. Otherwise the new worker takes over immediately,
// without waiting for in-flight requests of the old one, and is then
// activated. Activation errors are returned along with the worker, which is
// active regardless.
func (rt *Runtime) Register(ctx context.Context, config Config) (*Worker, error) {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()

	if config.Storage == nil {
		config.Storage = rt.storage
	}
	if config.Network == nil {
		config.Network = rt.network
	}
	if config.Logger == nil {
		config.Logger = &rt.log
	}

	w := CreateWorker(config)
	if err := w.Install(ctx); err != nil {
		if prev := rt.active.Load(); prev != nil {
			rt.log.Warn().Str("bucket", prev.BucketName()).Msg("Keeping previous worker")
		}
		return nil, err
	}

	// claim: every request from now on goes to the new worker
	if prev := rt.active.Swap(w); prev != nil {
		prev.setState(StateRedundant)
	}
	err := w.Activate(ctx)
	if err != nil {
		rt.log.Warn().Err(err).Str("bucket", w.BucketName()).Msg("Activated with errors")
	}
	rt.log.Info().Str("bucket", w.BucketName()).Str("worker", w.ID()).Msg("Worker active")
	return w, err
}

// Update registers the active worker's configuration again with a new version tag.
func (rt *Runtime) Update(ctx context.Context, version string) (*Worker, error) {
	active := rt.Active()
	if active == nil {
		return nil, ErrNoActiveWorker
	}
	config := active.Config()
	config.Version = version
	return rt.Register(ctx, config)
}

// Active returns the active worker, or nil if there is none.
func (rt *Runtime) Active() *Worker {
	return rt.active.Load()
}

// Storage returns the storage shared by the runtime's workers.
func (rt *Runtime) Storage() cache.Storage {
	return rt.storage
}

// ServeHTTP implements the http.Handler interface.
func (rt *Runtime) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer rt.recover(w, r)
	if worker := rt.active.Load(); worker != nil && worker.Fetch(w, r) {
		return
	}
	Requests.WithLabelValues("passthrough").Inc()
	rt.network.ServeHTTP(w, r)
}

// recover recovers from panics and sends the request to the escape hatch.
func (rt *Runtime) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		if err == http.ErrAbortHandler {
			panic(err)
		}
		rt.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in worker")
		rt.network.ServeHTTP(w, r)
	}
}
