// Package detector works out which test frameworks a project uses and caches the
// answer per project.
package detector

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/ethereum-optimism/infra/op-testlens/discovery"
	"github.com/ethereum-optimism/infra/op-testlens/metrics"
	"github.com/ethereum-optimism/infra/op-testlens/registry"
	"github.com/ethereum-optimism/infra/op-testlens/types"
)

// ErrFrameworkProbeFailure wraps errors raised while probing for a framework marker
var ErrFrameworkProbeFailure = errors.New("framework probe failure")

// Marker returns the import path whose presence identifies a framework kind
func Marker(kind types.FrameworkKind) string {
	switch kind {
	case types.KindTestify:
		return discovery.TestifyImport
	case types.KindGocheck:
		return discovery.GocheckImport
	case types.KindGoTest:
		return discovery.TestingImport
	default:
		return ""
	}
}

// MarkerResolver answers whether a marker is resolvable within a project
type MarkerResolver interface {
	Resolvable(ctx context.Context, project registry.Project, marker string) (bool, error)
}

// Config holds configuration for the detector
type Config struct {
	Log      log.Logger
	Resolver MarkerResolver // ModuleResolver when nil
}

// Detector probes projects for framework kinds. Results are cached per project and
// only replaced by UpdateTestKinds.
type Detector struct {
	log      log.Logger
	resolver MarkerResolver
	cache    cmap.ConcurrentMap[string, []types.FrameworkKind]
}

// New creates a detector with an empty cache
func New(cfg Config) *Detector {
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.Resolver == nil {
		cfg.Resolver = &ModuleResolver{}
	}
	return &Detector{
		log:      cfg.Log,
		resolver: cfg.Resolver,
		cache:    cmap.New[[]types.FrameworkKind](),
	}
}

// UpdateTestKinds recomputes the kinds of a project and overwrites the cache entry
func (d *Detector) UpdateTestKinds(ctx context.Context, project registry.Project) []types.FrameworkKind {
	kinds := d.detect(ctx, project)
	d.cache.Set(project.Name, kinds)
	return kinds
}

// GetTestKindsFromCache returns the cached kinds of a project, detecting and storing
// them on a miss
func (d *Detector) GetTestKindsFromCache(ctx context.Context, project registry.Project) []types.FrameworkKind {
	if kinds, ok := d.cache.Get(project.Name); ok {
		return kinds
	}
	kinds := d.detect(ctx, project)
	// a concurrent UpdateTestKinds wins over this lazy fill
	return d.cache.Upsert(project.Name, kinds, func(exist bool, current, fresh []types.FrameworkKind) []types.FrameworkKind {
		if exist {
			return current
		}
		return fresh
	})
}

// Cached reports whether a project has a cache entry
func (d *Detector) Cached(project string) bool {
	return d.cache.Has(project)
}

// Forget drops the cache entry of a project
func (d *Detector) Forget(project string) {
	d.cache.Remove(project)
}

// detect probes every kind in priority order. A failed probe counts as absent.
func (d *Detector) detect(ctx context.Context, project registry.Project) []types.FrameworkKind {
	var found []types.FrameworkKind
	for _, kind := range types.FrameworkKinds {
		ok, err := d.resolver.Resolvable(ctx, project, Marker(kind))
		if err != nil {
			err = fmt.Errorf("%w: %s in %s: %w", ErrFrameworkProbeFailure, kind, project.Name, err)
			d.log.Warn("Framework probe failed", "project", project.Name, "kind", kind, "err", err)
			metrics.RecordProbeFailure(kind)
			continue
		}
		if ok {
			found = append(found, kind)
		}
	}
	kinds := types.SuppressSubsumed(found)
	d.log.Debug("Detected test kinds", "project", project.Name, "kinds", kinds)
	metrics.RecordDetectedKinds(project.Name, kinds)
	return kinds
}
