package config

import (
	"context"
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/flowkernel/orchestrator/kernel"
	"github.com/flowkernel/orchestrator/kernel/telemetry"
)

// Snapshot is the immutable configuration a run receives at start: policy
// plus every flow graph known at that moment. A Snapshot is never mutated
// after it is handed to an orchestrator instance (spec §5).
type Snapshot struct {
	Policy RunPolicy
	Flows  map[kernel.FlowKey]*kernel.FlowGraph
}

// Flow returns the named flow graph, or nil if unknown at the time the
// snapshot was taken.
func (s Snapshot) Flow(key kernel.FlowKey) *kernel.FlowGraph { return s.Flows[key] }

// Watcher keeps a live registry of flow graphs in sync with a directory,
// picking up newly added files between runs via fsnotify, the way
// jordigilh-kubernaut and tombee-conductor watch their own config
// directories. It never replaces a graph a run currently holds a Snapshot
// reference to — callers always Snapshot() for a fresh run and keep using it
// for that run's lifetime.
type Watcher struct {
	dir string
	log telemetry.Logger

	mu    sync.RWMutex
	flows map[kernel.FlowKey]*kernel.FlowGraph

	fsw *fsnotify.Watcher
}

// NewWatcher loads dir's current flow graphs and starts watching it for new
// or changed files. Call Close when done.
func NewWatcher(dir string, log telemetry.Logger) (*Watcher, error) {
	flows, err := LoadFlowGraphDir(dir)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create flow graph watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config: watch flow graph dir %s: %w", dir, err)
	}
	w := &Watcher{dir: dir, log: log, flows: flows, fsw: fsw}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	ctx := context.Background()
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			graph, err := LoadFlowGraph(event.Name)
			if err != nil {
				w.log.Warn(ctx, "config: failed to load changed flow graph, keeping previous version", "path", event.Name, "error", err.Error())
				continue
			}
			w.mu.Lock()
			w.flows[graph.Key] = graph
			w.mu.Unlock()
			w.log.Info(ctx, "config: reloaded flow graph", "flow_key", string(graph.Key), "path", event.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Error(ctx, "config: flow graph watcher error", "error", err.Error())
		}
	}
}

// Flows returns a shallow copy of the currently known flow graphs, safe to
// embed in a new Snapshot.
func (w *Watcher) Flows() map[kernel.FlowKey]*kernel.FlowGraph {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[kernel.FlowKey]*kernel.FlowGraph, len(w.flows))
	for k, v := range w.flows {
		out[k] = v
	}
	return out
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
