package kube

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/podtail/podtail/internal/agent"
)

// Metadata keys written by the Decorator.
const (
	KeyPath        = "path"
	KeyPod         = "pod"
	KeyNamespace   = "namespace"
	KeyContainer   = "container"
	KeyContainerID = "container_id"
	KeyParseError  = "parse_error"
	LabelPrefix    = "label."
)

const (
	defaultCacheSize     = 1024
	defaultCacheTTL      = 5 * time.Minute
	defaultLookupTimeout = 2 * time.Second
)

// DecoratorOption configures a Decorator.
type DecoratorOption func(*Decorator)

// WithLabeler enables pod label lookups.
func WithLabeler(l PodLabeler) DecoratorOption {
	return func(d *Decorator) { d.labeler = l }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) DecoratorOption {
	return func(d *Decorator) { d.logger = l }
}

// WithCache sets the size and TTL of the per-file metadata cache. Non-positive
// values keep the defaults.
func WithCache(size int, ttl time.Duration) DecoratorOption {
	return func(d *Decorator) {
		if size > 0 {
			d.cacheSize = size
		}
		if ttl > 0 {
			d.cacheTTL = ttl
		}
	}
}

// fileMeta is everything known about one source file.
type fileMeta struct {
	ref    PodRef
	labels map[string]string
	err    error
}

// Decorator is an agent.Source that replaces the "path" key of every entry
// from inner with the pod, namespace, container and container ID encoded in
// the file name, plus the pod's labels when a PodLabeler is configured.
//
// Entries whose file name cannot be parsed keep their path and gain
// parse_error=true.
type Decorator struct {
	inner   agent.Source
	labeler PodLabeler
	logger  *slog.Logger

	cacheSize int
	cacheTTL  time.Duration
	cache     *expirable.LRU[string, fileMeta]
}

var _ agent.Source = (*Decorator)(nil)

// NewDecorator wraps inner.
func NewDecorator(inner agent.Source, opts ...DecoratorOption) *Decorator {
	d := &Decorator{
		inner:     inner,
		logger:    slog.Default(),
		cacheSize: defaultCacheSize,
		cacheTTL:  defaultCacheTTL,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.cache = expirable.NewLRU[string, fileMeta](d.cacheSize, nil, d.cacheTTL)
	return d
}

// NextBatch implements agent.Source. Metadata maps are rewritten in place.
func (d *Decorator) NextBatch(ctx context.Context) ([]agent.LogEntry, error) {
	entries, err := d.inner.NextBatch(ctx)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		d.decorate(ctx, &entries[i])
	}
	return entries, nil
}

// Close implements agent.Source.
func (d *Decorator) Close() error {
	d.cache.Purge()
	return d.inner.Close()
}

func (d *Decorator) decorate(ctx context.Context, e *agent.LogEntry) {
	path, ok := e.Metadata[KeyPath]
	if !ok {
		return
	}
	meta := d.lookup(ctx, path)
	if meta.err != nil {
		e.Metadata[KeyParseError] = "true"
		return
	}

	delete(e.Metadata, KeyPath)
	e.Metadata[KeyPod] = meta.ref.Pod
	e.Metadata[KeyNamespace] = meta.ref.Namespace
	e.Metadata[KeyContainer] = meta.ref.Container
	e.Metadata[KeyContainerID] = meta.ref.ContainerID
	for k, v := range meta.labels {
		e.Metadata[LabelPrefix+k] = v
	}
}

// lookup returns the cached metadata for path, resolving it on a miss.
// Failures are cached as well so that a broken file or an unreachable API
// server costs one attempt per TTL.
func (d *Decorator) lookup(ctx context.Context, path string) fileMeta {
	if meta, ok := d.cache.Get(path); ok {
		return meta
	}

	ref, err := ParseFileName(path)
	if err != nil {
		d.logger.Warn("kube: cannot derive pod metadata from file name",
			slog.String("path", path),
			slog.Any("error", err),
		)
		meta := fileMeta{err: err}
		d.cache.Add(path, meta)
		return meta
	}

	meta := fileMeta{ref: ref}
	if d.labeler != nil {
		lctx, cancel := context.WithTimeout(ctx, defaultLookupTimeout)
		labels, err := d.labeler.PodLabels(lctx, ref.Namespace, ref.Pod)
		cancel()
		if err != nil {
			d.logger.Warn("kube: pod label lookup failed",
				slog.String("namespace", ref.Namespace),
				slog.String("pod", ref.Pod),
				slog.Any("error", err),
			)
		}
		meta.labels = labels
	}
	d.cache.Add(path, meta)
	return meta
}
