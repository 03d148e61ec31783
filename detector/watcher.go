package detector

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/ethereum/go-ethereum/log"
	"github.com/fsnotify/fsnotify"

	"github.com/ethereum-optimism/infra/op-testlens/metrics"
	"github.com/ethereum-optimism/infra/op-testlens/registry"
	"github.com/ethereum-optimism/infra/op-testlens/types"
)

const DefaultDebounce = 500 * time.Millisecond

// WatcherConfig configures a Watcher
type WatcherConfig struct {
	Log      log.Logger
	Debounce time.Duration

	// OnUpdate is called after a project's kinds were recomputed
	OnUpdate func(project registry.Project, kinds []types.FrameworkKind)
}

// Watcher recomputes a project's kinds whenever its go.mod changes. Bursts of
// changes to one project collapse into a single update.
type Watcher struct {
	log      log.Logger
	detector *Detector
	onUpdate func(registry.Project, []types.FrameworkKind)

	fsw        *fsnotify.Watcher
	projects   map[string]registry.Project // by project root
	debouncers map[string]func(func())

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Watch starts watching the go.mod of each project. The watcher stops when ctx is
// done or Close is called.
func (d *Detector) Watch(ctx context.Context, projects []registry.Project, cfg WatcherConfig) (*Watcher, error) {
	if cfg.Log == nil {
		cfg.Log = d.log
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		log:        cfg.Log,
		detector:   d,
		onUpdate:   cfg.OnUpdate,
		fsw:        fsw,
		projects:   make(map[string]registry.Project),
		debouncers: make(map[string]func(func())),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, p := range projects {
		root := filepath.Clean(p.Root)
		// editors replace go.mod rather than writing it, so the directory is watched
		if err := fsw.Add(root); err != nil {
			cancel()
			_ = fsw.Close()
			return nil, fmt.Errorf("watching %s: %w", root, err)
		}
		w.projects[root] = p
		w.debouncers[root] = debounce.New(cfg.Debounce)
	}

	w.wg.Add(1)
	go w.loop()
	w.log.Info("Watching go.mod files", "projects", len(projects))
	return w, nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("Watcher error", "err", err)
			metrics.RecordError("watcher")
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if filepath.Base(event.Name) != "go.mod" || event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
		return
	}
	root := filepath.Dir(event.Name)
	project, ok := w.projects[root]
	if !ok {
		return
	}
	w.log.Debug("go.mod changed", "project", project.Name, "op", event.Op)
	w.debouncers[root](func() {
		if w.ctx.Err() != nil {
			return
		}
		kinds := w.detector.UpdateTestKinds(w.ctx, project)
		if w.onUpdate != nil {
			w.onUpdate(project, kinds)
		}
	})
}

// Close stops the watcher. It is safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		w.cancel()
		err = w.fsw.Close()
		w.wg.Wait()
		if errors.Is(err, fsnotify.ErrClosed) {
			err = nil
		}
	})
	return err
}
