package migrate

import "context"

// Event identifies a point in a command's lifecycle a Callback can
// observe.
type Event string

const (
	EventBeforeMigrate     Event = "before_migrate"
	EventAfterMigrate      Event = "after_migrate"
	EventBeforeEachMigrate Event = "before_each_migrate"
	EventAfterEachMigrate  Event = "after_each_migrate"
	EventBeforeValidate    Event = "before_validate"
	EventAfterValidate     Event = "after_validate"
	EventBeforeClean       Event = "before_clean"
	EventAfterClean        Event = "after_clean"
	EventBeforeBaseline    Event = "before_baseline"
	EventAfterBaseline     Event = "after_baseline"
	EventBeforeRepair      Event = "before_repair"
	EventAfterRepair       Event = "after_repair"
	EventBeforeInfo        Event = "before_info"
	EventAfterInfo         Event = "after_info"
)

// CallbackContext carries the information a Callback handler receives
// for a given Event: the configuration it was registered against, and,
// for the per-migration events, the descriptor being applied.
type CallbackContext struct {
	Event      Event
	Config     Configuration
	Descriptor *MigrationDescriptor
}

// Callback is the typed lifecycle event bus contract (spec.md §9
// design notes): an ordered list of handlers, each exposing the
// lifecycle methods implied by Event. Configuration-aware callbacks
// receive the configuration once, via Configure, not per invocation.
type Callback interface {
	// Configure is called once at registration time, before any
	// command runs, breaking the cyclic engine<->callback dependency
	// the teacher's design would otherwise require.
	Configure(cfg Configuration)

	// Handle is invoked for every event this callback wants to observe.
	// Returning an error aborts the current command.
	Handle(ctx context.Context, cc CallbackContext) error
}

// CallbackBus holds an ordered list of Callbacks and fires events to
// each of them in registration order. The first error returned by any
// callback aborts the dispatch and is propagated to the caller.
type CallbackBus struct {
	callbacks []Callback
}

// NewCallbackBus builds a bus; default callbacks come first unless the
// caller has already filtered them out via Configuration.SkipDefaultCallbacks.
func NewCallbackBus(cfg Configuration) *CallbackBus {
	bus := &CallbackBus{}
	if !cfg.SkipDefaultCallbacks {
		bus.Register(&loggingCallback{})
	}
	for _, cb := range cfg.CustomCallbacks {
		bus.Register(cb)
	}
	for _, cb := range bus.callbacks {
		cb.Configure(cfg)
	}
	return bus
}

// Register appends cb to the bus's dispatch order.
func (b *CallbackBus) Register(cb Callback) {
	b.callbacks = append(b.callbacks, cb)
}

// Fire dispatches ev to every registered callback, in order, stopping
// at (and returning) the first error.
func (b *CallbackBus) Fire(ctx context.Context, cc CallbackContext) error {
	for _, cb := range b.callbacks {
		if err := cb.Handle(ctx, cc); err != nil {
			return err
		}
	}
	return nil
}

// loggingCallback is the default callback registered unless
// SkipDefaultCallbacks is set: it logs each lifecycle event through the
// configured zerolog.Logger.
type loggingCallback struct {
	cfg Configuration
}

func (l *loggingCallback) Configure(cfg Configuration) { l.cfg = cfg }

func (l *loggingCallback) Handle(_ context.Context, cc CallbackContext) error {
	evt := l.cfg.Logger.Debug().Str("event", string(cc.Event))
	if cc.Descriptor != nil {
		evt = evt.Str("version", cc.Descriptor.Version.String()).Str("description", cc.Descriptor.Description)
	}
	evt.Msg("migration lifecycle event")
	return nil
}
