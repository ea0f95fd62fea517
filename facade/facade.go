// Package facade provides the Orchestrated Facade:
// the single developer-facing entry point wiring together the durable
// and ephemeral stores, the working-copy protocol, the command
// pipeline, the entity lifecycle manager, lifecycle hooks, and the
// query/mutation/subscription services into one cohesive API.
package facade

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/orneryd/treedb/command"
	"github.com/orneryd/treedb/config"
	"github.com/orneryd/treedb/entity"
	"github.com/orneryd/treedb/hooks"
	"github.com/orneryd/treedb/mutation"
	"github.com/orneryd/treedb/query"
	"github.com/orneryd/treedb/store"
	"github.com/orneryd/treedb/subscribe"
	"github.com/orneryd/treedb/workingcopy"
)

// Facade is the single object an embedding application constructs and
// calls into. It owns every component's lifetime.
type Facade struct {
	cfg *config.Config

	durable   *store.Durable
	ephemeral *store.Ephemeral

	Query       *query.Service
	Mutation    *mutation.Service
	WorkingCopy *workingcopy.Manager
	Entities    *entity.Manager
	EntityRegistry *entity.Registry
	Hooks       *hooks.Runner
	Commands    *command.Pipeline
	Subscribe   *subscribe.Service

	groupSeq  uint64
	resultSeq uint64
}

// Open constructs every component and starts the background goroutines
// (subscription GC, change-event dispatch). Call Close to release the
// durable store's file handles and stop those goroutines.
func Open(cfg *config.Config) (*Facade, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("facade: invalid config: %w", err)
	}

	durable, err := store.OpenDurable(store.DurableOptions{DataDir: cfg.Database.DataDir})
	if err != nil {
		return nil, fmt.Errorf("facade: opening durable store: %w", err)
	}
	ephemeral, err := store.OpenEphemeral(cfg.Database.AppName)
	if err != nil {
		_ = durable.Close()
		return nil, fmt.Errorf("facade: opening ephemeral store: %w", err)
	}

	registry := entity.NewRegistry()
	entities := entity.NewManager(registry)
	hooksRunner := hooks.NewRunner()

	queryService := query.New(durable, cfg.Limits.MaxTreeDepth)
	mutationService := mutation.New(durable, queryService, entities, hooksRunner, cfg.Limits.MaxTreeDepth)
	wcManager := workingcopy.New(durable, ephemeral)

	pipeline := command.New(command.Config{
		MaxUndoStackSize:      cfg.Limits.MaxUndoStackSize,
		MaxRedoStackSize:      cfg.Limits.MaxRedoStackSize,
		MaxEventHistorySize:   cfg.Limits.MaxEventHistorySize,
		MaxErrorMessageLength: cfg.Limits.MaxErrorMessageLength,
		MaxCommandIDLength:    cfg.Limits.MaxCommandIDLength,
	})

	subscribeService := subscribe.New(queryService, cfg.Limits.MaxTreeDepth, msToDuration(cfg.Timeouts.SubscriptionIdleLimitMS))
	subscribeService.RunGC(msToDuration(cfg.Timeouts.SubscriptionGCIntervalMS))

	f := &Facade{
		cfg: cfg, durable: durable, ephemeral: ephemeral,
		Query: queryService, Mutation: mutationService, WorkingCopy: wcManager,
		Entities: entities, EntityRegistry: registry, Hooks: hooksRunner,
		Commands: pipeline, Subscribe: subscribeService,
	}
	f.registerExecutors()
	go f.dispatchChanges()
	return f, nil
}

// msToDuration converts a config millisecond int into a time.Duration
// at the one call site that needs it.
func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func (f *Facade) dispatchChanges() {
	for change := range f.durable.Changes() {
		f.Subscribe.Dispatch(change)
	}
}

// Close releases every owned resource. The subscription GC goroutine is
// stopped first so it can't observe a closed store mid-sweep.
func (f *Facade) Close() error {
	f.Subscribe.Stop()
	if err := f.ephemeral.Close(); err != nil {
		_ = f.durable.Close()
		return err
	}
	return f.durable.Close()
}

// nextGroupID mints a fresh identifier that the convenience methods use
// as both the CommandID and the GroupID of the envelope they submit.
func (f *Facade) nextGroupID() string {
	n := atomic.AddUint64(&f.groupSeq, 1)
	return fmt.Sprintf("grp-%d", n)
}
