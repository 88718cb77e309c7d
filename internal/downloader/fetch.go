package downloader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ligustah/fecget/internal/http"
	"github.com/ligustah/fecget/internal/integrity"
	"github.com/ligustah/fecget/internal/peers"
	"github.com/ligustah/fecget/internal/shaper"
	"github.com/ligustah/fecget/pkg/erasure"
)

// stripeState is the dispatcher's view of one stripe.
type stripeState struct {
	shards map[int]erasure.Shard // verified
	live   int                   // verified, queued or in flight
	next   int                   // lowest index never scheduled
}

type outcome struct {
	task    *chunkTask
	url     string
	data    []byte
	elapsed time.Duration
	err     error
}

// fetchRun drives the Fetching state of one transfer. Everything except the
// worker goroutines runs on the dispatcher goroutine.
type fetchRun struct {
	o        *Orchestrator
	p        *plan
	id       string
	log      logrus.FieldLogger
	workers  int
	maxMoves int
	verify   bool
	limiter  *shaper.Limiter
	meter    *shaper.Meter
	progress ProgressFunc

	stripes       []stripeState
	queue         []*chunkTask
	done          int64
	substituted   int
	reassignments int
}

func newFetchRun(o *Orchestrator, p *plan, id string, settings Settings, progress ProgressFunc, log logrus.FieldLogger) *fetchRun {
	r := &fetchRun{
		o:        o,
		p:        p,
		id:       id,
		log:      log,
		workers:  settings.MaxConcurrentDownloads,
		maxMoves: o.cfg.Download.MaxReassignments,
		verify:   o.cfg.Download.Verify,
		limiter:  shaper.NewLimiter(settings.MaxSpeed, p.chunkSize),
		meter:    shaper.NewMeter(nil),
		progress: progress,
		stripes:  make([]stripeState, len(p.stripes)),
	}
	for s := range p.stripes {
		// Only the first k indices are scheduled: data shards decode for free.
		r.stripes[s] = stripeState{
			shards: make(map[int]erasure.Shard, p.k),
			live:   p.k,
			next:   p.k,
		}
		r.queue = append(r.queue, p.stripes[s][:p.k]...)
	}
	return r
}

// run fetches until every stripe has k verified shards.
func (r *fetchRun) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	jobs := make(chan *chunkTask)
	results := make(chan outcome)

	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.worker(ctx, jobs, results)
		}()
	}
	defer func() {
		close(jobs)
		cancel()
		wg.Wait()
	}()

	inflight := 0
	for len(r.queue) > 0 || inflight > 0 {
		var (
			send chan<- *chunkTask
			next *chunkTask
		)
		if len(r.queue) > 0 {
			send = jobs
			next = r.queue[0]
		}

		select {
		case send <- next:
			r.queue = r.queue[1:]
			inflight++
			r.o.events.publish(Event{
				Kind:     EventShardStarted,
				Transfer: r.id,
				Stripe:   next.stripe,
				Index:    next.index,
				URL:      next.url(),
			})
		case out := <-results:
			inflight--
			if err := r.handle(ctx, out); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *fetchRun) worker(ctx context.Context, jobs <-chan *chunkTask, results chan<- outcome) {
	for t := range jobs {
		out := r.fetch(ctx, t)
		select {
		case results <- out:
		case <-ctx.Done():
			return
		}
	}
}

// fetch performs one attempt of t against its current location. It waits on
// the pause gate, the shared shaper and the transfer's speed limit first.
func (r *fetchRun) fetch(ctx context.Context, t *chunkTask) outcome {
	out := outcome{task: t, url: t.url()}

	if err := r.o.gate.wait(ctx); err != nil {
		out.err = err
		return out
	}
	for r.o.shaper.ThrottleIfNeeded(ctx) {
		if ctx.Err() != nil {
			out.err = ctx.Err()
			return out
		}
	}
	if err := r.limiter.Wait(ctx, t.size); err != nil {
		out.err = err
		return out
	}

	start := time.Now()
	res, err := r.o.client.Fetch(ctx, out.url, t.key, t.rng)
	out.elapsed = time.Since(start)
	if err != nil {
		out.err = err
		return out
	}
	r.o.shaper.Record(int64(len(res.Data)))
	r.meter.Add(int64(len(res.Data)))

	if err := r.check(t, res.Data); err != nil {
		out.err = err
		return out
	}
	out.data = res.Data
	return out
}

// check verifies a fetched chunk. Every chunk must have its planned length.
// Data shards must carry zero padding after their content and match the
// recorded plaintext digest. Parity shards are only checked by size.
func (r *fetchRun) check(t *chunkTask, data []byte) error {
	if int64(len(data)) != t.size {
		return fmt.Errorf("%w: chunk %d has %d bytes, want %d", ErrShardSize, t.key, len(data), t.size)
	}
	if !r.p.erasure() || t.index >= r.p.k {
		return nil
	}
	if !isZero(data[t.dataLen:]) {
		return fmt.Errorf("%w: stripe %d shard %d has non-zero padding", ErrShardSize, t.stripe, t.index)
	}
	if r.verify && t.digest != "" {
		return integrity.Verify(t.block, data[:t.dataLen], t.digest)
	}
	return nil
}

func (r *fetchRun) handle(ctx context.Context, out outcome) error {
	t := out.task
	log := r.log.WithFields(logrus.Fields{
		"chunk":  t.key,
		"stripe": t.stripe,
		"shard":  t.index,
		"url":    out.url,
	})

	if out.err == nil {
		r.o.ranker.RecordSuccess(out.url, int64(len(out.data)), out.elapsed)
		r.accept(t, out, log)
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if errors.Is(out.err, context.Canceled) || errors.Is(out.err, context.DeadlineExceeded) {
		return out.err
	}

	log.WithError(out.err).Debug("Fetch failed")
	if errors.Is(out.err, http.ErrRangeNotSatisfiable) {
		// The location cannot serve this chunk at all; drop it for this
		// chunk only.
		t.urls = append(t.urls[:t.cursor:t.cursor], t.urls[t.cursor+1:]...)
		if len(t.urls) > 0 {
			t.cursor %= len(t.urls)
		} else {
			t.cursor = 0
		}
	} else {
		var mismatch *integrity.MismatchError
		if !errors.As(out.err, &mismatch) && !errors.Is(out.err, ErrShardSize) {
			r.o.ranker.RecordFailure(out.url)
		}
		t.cursor = (t.cursor + 1) % len(t.urls)
	}

	if len(t.urls) > 0 && t.moves < r.maxMoves {
		t.moves++
		r.reassignments++
		r.queue = append(r.queue, t)
		r.o.events.publish(Event{
			Kind:     EventShardRetry,
			Transfer: r.id,
			Stripe:   t.stripe,
			Index:    t.index,
			URL:      t.url(),
			Err:      out.err,
		})
		return nil
	}

	return r.lose(t, out.err, log)
}

// accept records a verified chunk in the shard table.
func (r *fetchRun) accept(t *chunkTask, out outcome, log logrus.FieldLogger) {
	st := &r.stripes[t.stripe]
	if _, dup := st.shards[t.index]; dup || len(st.shards) >= r.p.k {
		return
	}
	origin := out.url
	if ep, err := peers.ParseEndpoint(out.url); err == nil {
		origin = ep.String()
	}
	st.shards[t.index] = erasure.Shard{
		Stripe: t.stripe,
		Index:  t.index,
		Data:   out.data,
		Origin: origin,
	}

	r.done += int64(len(out.data))
	fraction := float64(r.done) / float64(r.p.needed)
	if fraction > 1 {
		fraction = 1
	}
	speed := r.meter.Speed()
	r.o.update(func(tr *Transfer) {
		tr.BytesDone = r.done
		tr.Speed = speed
	})
	if r.progress != nil {
		r.progress(fraction, speed)
	}
	r.o.events.publish(Event{
		Kind:     EventShardDone,
		Transfer: r.id,
		Stripe:   t.stripe,
		Index:    t.index,
		URL:      out.url,
		Bytes:    int64(len(out.data)),
		Fraction: fraction,
		Speed:    speed,
	})
	log.WithField("attempts", t.moves+1).Debug("Chunk verified")
}

// lose gives up on t. In an erasure transfer the next unscheduled shard of
// the stripe takes its place; without one the stripe cannot be decoded.
func (r *fetchRun) lose(t *chunkTask, cause error, log logrus.FieldLogger) error {
	st := &r.stripes[t.stripe]
	st.live--
	log.WithError(cause).Warn("Chunk lost on every location")
	r.o.events.publish(Event{
		Kind:     EventShardLost,
		Transfer: r.id,
		Stripe:   t.stripe,
		Index:    t.index,
		Err:      cause,
	})

	if st.next < r.p.n {
		sub := r.p.stripes[t.stripe][st.next]
		st.next++
		st.live++
		r.substituted++
		r.queue = append(r.queue, sub)
		r.o.events.publish(Event{
			Kind:     EventSubstituted,
			Transfer: r.id,
			Stripe:   sub.stripe,
			Index:    sub.index,
		})
		log.WithField("substitute", sub.index).Info("Replacing lost shard")
		return nil
	}

	return fmt.Errorf("stripe %d: %w (last error: %v)", t.stripe,
		&erasure.InsufficientShardsError{Stripe: t.stripe, Have: st.live, Need: r.p.k}, cause)
}

// table returns the verified shards of every stripe.
func (r *fetchRun) table() [][]erasure.Shard {
	out := make([][]erasure.Shard, len(r.stripes))
	for s, st := range r.stripes {
		group := make([]erasure.Shard, 0, len(st.shards))
		for _, sh := range st.shards {
			group = append(group, sh)
		}
		out[s] = group
	}
	return out
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
