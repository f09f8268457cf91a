package app

import (
	"errors"
	"sync"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/rs/zerolog/log"
)

type EventKind int

const (
	Durable EventKind = iota
	Ephemeral
)

// PublishResult reports delivery stats for one dispatch.
type PublishResult struct {
	SentTo  int
	Dropped []*Connection
}

type fanoutJob struct {
	targets []*Connection
	frame   core.Frame
	kind    EventKind
}

// Fanout pushes frames to recipient connections. Sends never block: every
// connection owns a bounded queue and TrySend fails fast when it is full,
// so one stalled recipient cannot delay the others or the sender.
type Fanout struct {
	policy Policy
	kick   func(*Connection)

	mu      sync.RWMutex // guards jobs against close during send
	jobs    chan fanoutJob
	stopped bool
	wg      sync.WaitGroup
}

// NewFanout starts workers delivery goroutines. With workers <= 0 delivery
// happens inline on the caller's goroutine.
func NewFanout(workers, queue int, policy Policy, kick func(*Connection)) *Fanout {
	if policy == nil {
		policy = SimplePolicy{}
	}
	f := &Fanout{policy: policy, kick: kick}
	if workers <= 0 {
		return f
	}
	if queue <= 0 {
		queue = 1024
	}
	f.jobs = make(chan fanoutJob, queue)
	for i := 0; i < workers; i++ {
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			for job := range f.jobs {
				f.deliver(job)
			}
		}()
	}
	return f
}

// Dispatch hands the job to the worker pool. A full queue degrades to
// inline delivery, which is still non-blocking per recipient.
func (f *Fanout) Dispatch(targets []*Connection, frame core.Frame, kind EventKind) {
	if len(targets) == 0 || len(frame) == 0 {
		return
	}
	job := fanoutJob{targets: targets, frame: frame, kind: kind}
	f.mu.RLock()
	if f.jobs == nil || f.stopped {
		f.mu.RUnlock()
		f.deliver(job)
		return
	}
	select {
	case f.jobs <- job:
		f.mu.RUnlock()
	default:
		f.mu.RUnlock()
		log.Warn().Str("module", "app.fanout").Int("targets", len(targets)).Msg("fanout queue full, delivering inline")
		f.deliver(job)
	}
}

// Deliver sends synchronously and reports the result.
func (f *Fanout) Deliver(targets []*Connection, frame core.Frame, kind EventKind) PublishResult {
	return f.deliver(fanoutJob{targets: targets, frame: frame, kind: kind})
}

func (f *Fanout) deliver(job fanoutJob) PublishResult {
	res := PublishResult{}
	for _, c := range job.targets {
		err := c.Signal.TrySend(job.frame)
		if err == nil {
			res.SentTo++
			continue
		}
		res.Dropped = append(res.Dropped, c)
		if !errors.Is(err, core.ErrBackpressure) {
			continue
		}
		switch f.policy.OnBackPressure(c, job.kind) {
		case KickMember:
			log.Warn().Str("module", "app.fanout").Str("conn", string(c.ID)).Msg("kicking slow connection")
			if f.kick != nil {
				f.kick(c)
			}
		case DropFrame, NoAction:
		}
	}
	log.Debug().Str("module", "app.fanout").Int("sent_to", res.SentTo).Int("dropped", len(res.Dropped)).Msg("fanout result")
	return res
}

// Stop drains queued jobs and waits for the workers.
func (f *Fanout) Stop() {
	f.mu.Lock()
	if f.jobs != nil && !f.stopped {
		close(f.jobs)
	}
	f.stopped = true
	f.mu.Unlock()
	f.wg.Wait()
}
