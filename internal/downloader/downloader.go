package downloader

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ligustah/fecget/internal/config"
	"github.com/ligustah/fecget/internal/http"
	"github.com/ligustah/fecget/internal/peers"
	"github.com/ligustah/fecget/internal/shaper"
)

// Options configures an Orchestrator. Only Config is required; missing
// collaborators are built from it.
type Options struct {
	Config config.Config

	// Client fetches chunks and manifests.
	Client *http.Client

	// Ranker orders candidate locations. Share one between orchestrators
	// to pool endpoint measurements.
	Ranker *peers.Ranker

	// Shaper enforces network.max_bandwidth across every transfer using it.
	Shaper *shaper.Shaper

	Logger logrus.FieldLogger
}

// run is one started transfer.
type run struct {
	done   chan struct{}
	result *Result
	err    error
}

// Orchestrator drives one file transfer at a time through
// planning, fetching, assembly and validation. It is safe for concurrent
// use; independent orchestrators may run side by side.
type Orchestrator struct {
	cfg    config.Config
	client *http.Client
	ranker *peers.Ranker
	shaper *shaper.Shaper
	log    logrus.FieldLogger
	events hub
	gate   gate

	mu       sync.Mutex
	state    State
	settings Settings
	transfer *Transfer
	cancel   context.CancelFunc
	current  *run
}

// New creates an idle Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	cfg := opts.Config
	if cfg == (config.Config{}) {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	client := opts.Client
	if client == nil {
		client = http.NewClient(http.Options{
			Timeout:       cfg.Download.Timeout,
			RetryAttempts: cfg.Download.RetryCount,
			RetryBackoff:  cfg.Download.RetryBackoff,
			Concurrency:   cfg.Download.MaxConcurrentDownloads,
		})
	}
	ranker := opts.Ranker
	if ranker == nil {
		ranker = peers.NewRanker(client, peers.Options{
			ProbeSize: int64(cfg.Network.ProbeSize),
			ProbeTTL:  cfg.Network.ProbeTTL,
			Logger:    log,
		})
	}
	sh := opts.Shaper
	if sh == nil {
		sh = shaper.New(shaper.Options{
			Ceiling: int64(cfg.Network.MaxBandwidth),
			Window:  cfg.Network.Window,
		})
	}

	return &Orchestrator{
		cfg:    cfg,
		client: client,
		ranker: ranker,
		shaper: sh,
		log:    log,
		settings: Settings{
			MaxSpeed:               int64(cfg.Download.MaxSpeed),
			MaxConcurrentDownloads: cfg.Download.MaxConcurrentDownloads,
		},
	}, nil
}

// Start begins transferring req in the background and reports whether it
// was accepted. It returns false while another transfer is active.
// progress, if not nil, is called after every verified chunk.
func (o *Orchestrator) Start(ctx context.Context, req Request, progress ProgressFunc) bool {
	_, ok := o.start(ctx, req, progress)
	return ok
}

// Run transfers req and waits for the result. It returns ErrBusy while
// another transfer is active.
func (o *Orchestrator) Run(ctx context.Context, req Request, progress ProgressFunc) (*Result, error) {
	r, ok := o.start(ctx, req, progress)
	if !ok {
		return nil, ErrBusy
	}
	<-r.done
	return r.result, r.err
}

// Wait blocks until the latest transfer has finished and returns its
// result.
func (o *Orchestrator) Wait(ctx context.Context) (*Result, error) {
	o.mu.Lock()
	r := o.current
	o.mu.Unlock()
	if r == nil {
		return nil, ErrNoTransfer
	}
	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) start(ctx context.Context, req Request, progress ProgressFunc) (*run, bool) {
	o.mu.Lock()
	if !o.state.CanTransition(StatePlanning) {
		o.mu.Unlock()
		return nil, false
	}

	t := &Transfer{
		ID:          uuid.NewString(),
		Source:      req.Source,
		Destination: o.destination(req),
		State:       StatePlanning,
		StartedAt:   time.Now(),
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &run{done: make(chan struct{})}
	settings := o.settings

	o.state = StatePlanning
	o.transfer = t
	o.cancel = cancel
	o.current = r
	o.gate.open()
	o.mu.Unlock()

	o.events.publish(Event{Kind: EventState, Transfer: t.ID, State: StatePlanning})

	go func() {
		defer close(r.done)
		defer cancel()
		r.result, r.err = o.execute(ctx, t.ID, t.Destination, req, settings, progress)
		o.reset()
	}()
	return r, true
}

// execute runs every state of one transfer.
func (o *Orchestrator) execute(ctx context.Context, id, dest string, req Request, settings Settings, progress ProgressFunc) (*Result, error) {
	started := time.Now()
	log := o.log.WithFields(logrus.Fields{
		"transfer": id,
		"source":   req.Source,
	})
	log.WithField("destination", dest).Info("Starting transfer")

	p, err := o.buildPlan(ctx, req, log)
	if err != nil {
		return o.abort(ctx, log, err, "", started)
	}
	fetches := len(p.stripes) * p.k
	o.update(func(t *Transfer) {
		t.TotalSize = p.totalSize
		t.ChunkSize = p.chunkSize
		t.BytesNeeded = p.needed
		if p.erasure() {
			t.DataShards = p.k
			t.ParityShards = p.n - p.k
		}
	})
	o.events.publish(Event{Kind: EventPlanned, Transfer: id, Shards: fetches, Bytes: p.totalSize})
	log.WithFields(logrus.Fields{
		"size":    p.totalSize,
		"stripes": len(p.stripes),
		"erasure": p.erasure(),
	}).Debug("Planned transfer")

	if err := o.advance(ctx, StateFetching); err != nil {
		return o.abort(ctx, log, err, "", started)
	}
	fr := newFetchRun(o, p, id, settings, progress, log)
	if err := fr.run(ctx); err != nil {
		return o.abort(ctx, log, err, "", started)
	}

	if err := o.advance(ctx, StateAssembling); err != nil {
		return o.abort(ctx, log, err, "", started)
	}
	tmp, err := assemble(ctx, p, fr.table(), o.cfg.Storage.TempPath)
	if err != nil {
		return o.abort(ctx, log, err, "", started)
	}

	if err := o.advance(ctx, StateValidating); err != nil {
		return o.abort(ctx, log, err, tmp, started)
	}
	if err := validate(tmp, p, o.cfg.Download.Verify); err != nil {
		return o.abort(ctx, log, err, tmp, started)
	}
	if err := moveFile(tmp, dest); err != nil {
		return o.abort(ctx, log, err, tmp, started)
	}

	if err := o.transition(StateCompleted); err != nil {
		return o.abort(ctx, log, err, "", started)
	}
	res := &Result{
		Transfer:      o.snapshot(),
		Path:          dest,
		Stripes:       len(p.stripes),
		Substituted:   fr.substituted,
		Reassignments: fr.reassignments,
		Elapsed:       time.Since(started),
	}
	for _, st := range fr.stripes {
		res.Shards += len(st.shards)
	}
	log.WithFields(logrus.Fields{
		"bytes":       p.totalSize,
		"elapsed":     res.Elapsed.Round(time.Millisecond),
		"substituted": res.Substituted,
	}).Info("Transfer completed")
	return res, nil
}

// abort ends the transfer in Cancelled or Failed and discards tmp.
func (o *Orchestrator) abort(ctx context.Context, log logrus.FieldLogger, err error, tmp string, started time.Time) (*Result, error) {
	if tmp != "" {
		os.Remove(tmp)
	}

	o.mu.Lock()
	from := o.state
	o.mu.Unlock()

	to := StateFailed
	if errors.Is(ctx.Err(), context.Canceled) && from.CanTransition(StateCancelled) {
		to = StateCancelled
		err = context.Canceled
	}
	o.update(func(t *Transfer) { t.Err = err })
	if terr := o.transition(to); terr != nil {
		log.WithError(terr).Error("Cannot record terminal state")
	}

	if to == StateCancelled {
		log.Info("Transfer cancelled")
	} else {
		log.WithError(err).WithField("state", from).Error("Transfer failed")
	}
	return &Result{Transfer: o.snapshot(), Elapsed: time.Since(started)}, err
}

// reset returns a finished orchestrator to Idle.
func (o *Orchestrator) reset() {
	o.mu.Lock()
	if !o.state.Terminal() {
		o.mu.Unlock()
		return
	}
	o.state = StateIdle
	id := ""
	if o.transfer != nil {
		id = o.transfer.ID
	}
	o.transfer = nil
	o.cancel = nil
	o.gate.open()
	o.mu.Unlock()

	o.events.publish(Event{Kind: EventState, Transfer: id, State: StateIdle})
}

// advance moves the transfer forward to state to unless ctx is already
// done. The check and the move happen under the lock Cancel takes, so a
// transfer that reached Validating can no longer be cancelled.
func (o *Orchestrator) advance(ctx context.Context, to State) error {
	return o.move(to, ctx.Err)
}

// transition moves to state to if the table allows it.
func (o *Orchestrator) transition(to State) error {
	return o.move(to, nil)
}

func (o *Orchestrator) move(to State, precheck func() error) error {
	o.mu.Lock()
	if precheck != nil {
		if err := precheck(); err != nil {
			o.mu.Unlock()
			return err
		}
	}
	from := o.state
	if !from.CanTransition(to) {
		o.mu.Unlock()
		return &TransitionError{From: from, To: to}
	}
	o.state = to
	id := ""
	if o.transfer != nil {
		o.transfer.State = to
		id = o.transfer.ID
	}
	o.mu.Unlock()

	o.events.publish(Event{Kind: EventState, Transfer: id, State: to})
	return nil
}

func (o *Orchestrator) update(fn func(t *Transfer)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.transfer != nil {
		fn(o.transfer)
	}
}

func (o *Orchestrator) snapshot() Transfer {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.transfer == nil {
		return Transfer{}
	}
	return *o.transfer
}

// Pause holds new fetches until Resume. Fetches already in flight finish.
// It reports whether a transfer was paused.
func (o *Orchestrator) Pause() bool {
	o.mu.Lock()
	if !o.state.Active() || !o.gate.close() {
		o.mu.Unlock()
		return false
	}
	o.transfer.Paused = true
	id := o.transfer.ID
	o.mu.Unlock()

	o.events.publish(Event{Kind: EventPaused, Transfer: id})
	return true
}

// Resume releases a paused transfer.
func (o *Orchestrator) Resume() bool {
	o.mu.Lock()
	if !o.gate.open() {
		o.mu.Unlock()
		return false
	}
	id := ""
	if o.transfer != nil {
		o.transfer.Paused = false
		id = o.transfer.ID
	}
	o.mu.Unlock()

	o.events.publish(Event{Kind: EventResumed, Transfer: id})
	return true
}

// Cancel stops the active transfer at its next suspension point and
// discards partial output. It reports whether there was one to cancel; a
// transfer already validating its output runs to the end.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.state.CanTransition(StateCancelled) || o.cancel == nil {
		return false
	}
	o.cancel()
	return true
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Snapshot returns a copy of the active transfer.
func (o *Orchestrator) Snapshot() (Transfer, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.transfer == nil {
		return Transfer{}, false
	}
	return *o.transfer, true
}

// Settings returns the limits applied to the next transfer.
func (o *Orchestrator) Settings() Settings {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settings
}

// SetSettings changes the limits applied to the next transfer.
func (o *Orchestrator) SetSettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	o.settings = s
	o.mu.Unlock()
	return nil
}

// Subscribe returns a channel of events and a function that ends the
// subscription. Events are dropped for a subscriber whose buffer is full.
func (o *Orchestrator) Subscribe(buf int) (<-chan Event, func()) {
	return o.events.subscribe(buf)
}

// Ranker returns the ranker used for location selection.
func (o *Orchestrator) Ranker() *peers.Ranker {
	return o.ranker
}
