package assetcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/always-cache/asset-cache/cache"
	cachekey "github.com/always-cache/asset-cache/pkg/cache-key"
	serializer "github.com/always-cache/asset-cache/pkg/response-serializer"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrInstallFailed wraps every error that aborts an install.
	ErrInstallFailed = errors.New("install failed")
	// ErrNoActiveWorker is returned when an operation needs an active worker.
	ErrNoActiveWorker = errors.New("no active worker")
	// ErrNotIntercepted is returned for keys the worker does not answer itself.
	ErrNotIntercepted = errors.New("key not intercepted")
	// ErrFetchFailed wraps network errors and non-2xx responses of worker fetches.
	ErrFetchFailed = errors.New("fetch failed")
)

type Config struct {
	// Application name, the first part of the bucket name.
	Name string
	// Version tag. Changing it invalidates all other buckets.
	Version string
	// Requests below this path prefix are answered from the bucket.
	StaticPrefix string
	// Request URIs fetched and stored on install.
	Precache []string
	// Storage for buckets.
	Storage cache.Storage
	// Network for fetches made by the worker.
	Network Network
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Maximum number of concurrent precache fetches, unlimited if zero.
	PrecacheConcurrency int
}

// BucketName returns the name of the bucket for the configured version,
// in the form "<name>-<version>".
func (c Config) BucketName() string {
	return c.Name + "-" + c.Version
}

// Worker is a single version of the asset cache.
// It reacts to three events: install, activate and fetch.
// Events are delivered by a Runtime, not called from request code.
type Worker struct {
	id         string
	config     Config
	bucketName string
	// bucket is opened on install and kept for the lifetime of the worker,
	// so a worker never recreates its bucket after it was deleted
	bucket cache.Bucket
	state  atomic.Int32
	log    zerolog.Logger
}

// CreateWorker creates a worker for the given configuration.
// The worker does nothing until it is installed.
func CreateWorker(config Config) *Worker {
	if config.StaticPrefix == "" {
		config.StaticPrefix = DefaultStaticPrefix
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	w := &Worker{
		id:         uuid.NewString(),
		config:     config,
		bucketName: config.BucketName(),
	}
	w.log = logger.With().
		Str("worker", w.id).
		Str("bucket", w.bucketName).
		Logger()
	w.state.Store(int32(StateParsed))
	return w
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) Config() Config {
	return w.config
}

func (w *Worker) BucketName() string {
	return w.bucketName
}

func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.log.Debug().Str("state", s.String()).Msg("Worker state change")
	w.state.Store(int32(s))
}

// Install opens the current bucket, creating it if absent, and stores
// every precache URL in it. All fetches must succeed with a 2xx status,
// otherwise nothing is stored and the worker becomes redundant.
func (w *Worker) Install(ctx context.Context) error {
	w.setState(StateInstalling)
	bucket, err := w.precache(ctx)
	if err != nil {
		w.setState(StateRedundant)
		Installs.WithLabelValues("failed").Inc()
		w.log.Error().Err(err).Msg("Install failed")
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	w.bucket = bucket
	w.setState(StateInstalled)
	Installs.WithLabelValues("ok").Inc()
	w.log.Info().Int("precached", len(w.config.Precache)).Msg("Worker installed")
	return nil
}

func (w *Worker) precache(ctx context.Context) (cache.Bucket, error) {
	bucket, err := w.config.Storage.Open(ctx, w.bucketName)
	if err != nil {
		StoreErrors.WithLabelValues("open").Inc()
		return nil, err
	}

	entries := make([]cache.Entry, len(w.config.Precache))
	g, gctx := errgroup.WithContext(ctx)
	if w.config.PrecacheConcurrency > 0 {
		g.SetLimit(w.config.PrecacheConcurrency)
	}
	for i, uri := range w.config.Precache {
		i, uri := i, uri
		g.Go(func() error {
			req, err := cachekey.RequestFromKey(cachekey.KeyForURL(uri))
			if err != nil {
				return fmt.Errorf("precache %s: %w", uri, err)
			}
			entry, err := w.fetchEntry(req.WithContext(gctx))
			if err != nil {
				PrecacheFetches.WithLabelValues("failed").Inc()
				return fmt.Errorf("precache %s: %w", uri, err)
			}
			PrecacheFetches.WithLabelValues("ok").Inc()
			w.log.Trace().Str("key", entry.Key).Msg("Precached")
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := bucket.PutAll(ctx, entries); err != nil {
		StoreErrors.WithLabelValues("put").Inc()
		return nil, err
	}
	return bucket, nil
}

// fetchEntry fetches the full response for req and returns it as a bucket
// entry. Anything but a 2xx response is an error.
func (w *Worker) fetchEntry(req *http.Request) (cache.Entry, error) {
	res, err := w.config.Network.Fetch(req)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return cache.Entry{}, fmt.Errorf("%w: bad response status %d", ErrFetchFailed, res.StatusCode)
	}
	bts, err := serializer.ResponseToBytes(res)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	return cache.Entry{
		Key:      cachekey.Key(req),
		StoredAt: time.Now(),
		Bytes:    bts,
	}, nil
}

// Activate deletes every bucket that is not the current one.
// The worker is active afterwards even if some deletions failed;
// those errors are returned joined.
func (w *Worker) Activate(ctx context.Context) error {
	w.setState(StateActivating)
	defer w.setState(StateActive)

	names, err := w.config.Storage.Names(ctx)
	if err != nil {
		StoreErrors.WithLabelValues("names").Inc()
		w.log.Error().Err(err).Msg("Could not list buckets")
		return err
	}
	var errs []error
	for _, name := range names {
		if name == w.bucketName {
			continue
		}
		if _, err := w.config.Storage.Delete(ctx, name); err != nil {
			StoreErrors.WithLabelValues("delete").Inc()
			w.log.Error().Err(err).Str("stale", name).Msg("Could not delete stale bucket")
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		BucketsDeleted.Inc()
		w.log.Info().Str("stale", name).Msg("Deleted stale bucket")
	}
	return errors.Join(errs...)
}

// Intercepts reports whether the worker answers the request itself.
// Only GET requests below the static prefix are intercepted, and only
// once the worker has been installed. Dot segments are resolved first,
// so "/static/../admin" is not below the prefix.
func (w *Worker) Intercepts(r *http.Request) bool {
	return w.bucket != nil &&
		r.Method == http.MethodGet &&
		strings.HasPrefix(cachekey.CleanPath(r.URL.Path), w.config.StaticPrefix)
}

// Fetch handles a request with the cache-first-then-network policy.
// It returns false without touching rw if the request is not intercepted,
// in which case the caller is responsible for default handling.
func (w *Worker) Fetch(rw http.ResponseWriter, r *http.Request) bool {
	if !w.Intercepts(r) {
		return false
	}
	ctx := r.Context()
	key := cachekey.Key(r)
	log := w.log.With().Str("key", key).Logger()
	bucket := w.bucket

	cs := CacheStatus{}
	if res := w.match(ctx, bucket, r, &cs, log); res != nil {
		Requests.WithLabelValues("hit").Inc()
		w.send(rw, r, res, cs)
		return true
	}

	log.Trace().Msg("Fetching from network")
	res, err := w.config.Network.Fetch(r)
	if err == nil && mayStore(res) {
		// the body can only be read once: the bytes are stored, the response is sent
		var bts []byte
		if bts, err = serializer.ResponseToBytes(res); err == nil {
			entry := cache.Entry{Key: key, StoredAt: time.Now(), Bytes: bts}
			if putErr := bucket.Put(ctx, entry); putErr != nil {
				StoreErrors.WithLabelValues("put").Inc()
				log.Error().Err(putErr).Msg("Could not write to bucket")
			} else {
				cs.Stored = true
				log.Trace().Msg("Bucket write")
			}
		}
	}
	if err != nil {
		Requests.WithLabelValues("error").Inc()
		log.Warn().Err(err).Msg("Network fetch failed")
		http.Error(rw, "Could not fetch resource", http.StatusBadGateway)
		return true
	}

	Requests.WithLabelValues("miss").Inc()
	w.send(rw, r, res, cs)
	return true
}

// match returns the stored response for the request, or nil on a miss.
// It records the outcome in cs. Entries that cannot be read back are deleted.
func (w *Worker) match(ctx context.Context, bucket cache.Bucket, r *http.Request, cs *CacheStatus, log zerolog.Logger) *http.Response {
	key := cachekey.Key(r)
	entry, ok, err := bucket.Match(ctx, key)
	if err != nil {
		StoreErrors.WithLabelValues("match").Inc()
		log.Error().Err(err).Msg("Could not read from bucket")
		cs.Forward(CacheStatusFwdMiss)
		cs.Detail = "store-error"
		return nil
	}
	if !ok {
		cs.Forward(CacheStatusFwdUriMiss)
		return nil
	}
	res, err := serializer.BytesToResponse(entry.Bytes, r)
	if err != nil {
		// in case we have a corrupted entry, we delete it and serve from the network
		log.Error().Err(err).Msg("Could not read stored response")
		if _, err := bucket.Delete(ctx, key); err != nil {
			StoreErrors.WithLabelValues("delete").Inc()
		}
		cs.Forward(CacheStatusFwdMiss)
		cs.Detail = "corrupt"
		return nil
	}
	cs.Hit()
	return res
}

// mayStore reports whether a cache may hold the response at all.
// Partial content, bodiless 304s and responses varying on everything are
// never stored: they cannot stand in for the full response.
func mayStore(res *http.Response) bool {
	if res.StatusCode == http.StatusPartialContent || res.StatusCode == http.StatusNotModified {
		return false
	}
	for _, value := range res.Header.Values("Vary") {
		for _, field := range strings.Split(value, ",") {
			if strings.TrimSpace(field) == "*" {
				return false
			}
		}
	}
	return true
}

func (w *Worker) send(rw http.ResponseWriter, r *http.Request, res *http.Response, cs CacheStatus) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(rw.Header(), res.Header)
	rw.Header().Add("Cache-Status", cs.String())
	rw.WriteHeader(res.StatusCode)
	var bytesWritten int64
	var err error
	if res.Body != nil {
		bytesWritten, err = io.Copy(rw, res.Body)
	}
	if err != nil {
		w.log.Error().Err(err).Msg("Could not write response body to client")
	}
	w.logRequest(r, res.StatusCode, cs)
	w.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func (w *Worker) logRequest(r *http.Request, statusCode int, cs CacheStatus) {
	isHit := 0
	if cs.Status == CacheStatusHit {
		isHit = 1
	}
	w.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Int("code", statusCode).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Bool("stored", cs.Stored).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

// Keys returns the keys stored in the worker's bucket.
func (w *Worker) Keys(ctx context.Context) ([]string, error) {
	if w.bucket == nil {
		return nil, cache.ErrNotFound
	}
	return w.bucket.Keys(ctx)
}

// Refetch fetches the response for a stored key from the network again and
// replaces the entry. The key must be one the worker intercepts. On failure
// the previous entry is kept.
func (w *Worker) Refetch(ctx context.Context, key string) error {
	if w.bucket == nil {
		return cache.ErrNotFound
	}
	req, err := cachekey.RequestFromKey(key)
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)
	if !w.Intercepts(req) {
		return fmt.Errorf("%w: %s", ErrNotIntercepted, key)
	}
	entry, err := w.fetchEntry(req)
	if err != nil {
		return err
	}
	if err := w.bucket.Put(ctx, entry); err != nil {
		StoreErrors.WithLabelValues("put").Inc()
		return err
	}
	w.log.Info().Str("key", entry.Key).Msg("Refetched")
	return nil
}
