// Package stream feeds job progress to attached observers. Snapshots are
// always assembled from the row of record; the ephemeral progress channel
// only decides when to look again. The push flavor waits on Redis pubsub
// ticks, the poll flavor on a fixed cadence, and both diff against the last
// emitted serialization so observers only see changes.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"podsim/internal/database"
	"podsim/internal/model"
	"podsim/internal/progress"

	cache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
)

// SimulationsEvent names the event carrying the full simulation list. Job
// snapshots go out as the unnamed default event.
const SimulationsEvent = "simulations"

// SimulationsSnapshot is the payload of the simulations event.
type SimulationsSnapshot struct {
	Simulations []*model.Simulation `json:"simulations"`
}

const (
	pollInterval    = 2 * time.Second
	refreshInterval = 15 * time.Second
	recoverInterval = 30 * time.Second
	cacheTTL        = 10 * time.Second
)

// Emitter delivers one event frame to the observer. An error means the
// observer is gone and the stream must close; it must never block
// indefinitely.
type Emitter func(name string, data interface{}) error

// Recoverer kicks stale-work recovery for one job. Streams are where humans
// stare at stuck jobs, so an attached observer doubles as a recovery driver.
type Recoverer interface {
	RecoverJob(ctx context.Context, jobID string) error
}

// Streamer emits job and simulation snapshots until the job reaches a
// terminal status or the observer disconnects.
type Streamer interface {
	Stream(ctx context.Context, jobID string, emit Emitter) error
}

type streamer struct {
	store        database.Store
	progress     progress.Channel
	rec          Recoverer
	deckLinkBase string

	cache *cache.Cache

	pollEvery    time.Duration
	refreshEvery time.Duration
	recoverEvery time.Duration
}

func New(store database.Store, ch progress.Channel, rec Recoverer, deckLinkBase string) Streamer {
	return &streamer{
		store:        store,
		progress:     ch,
		rec:          rec,
		deckLinkBase: deckLinkBase,
		cache:        cache.New(cacheTTL, time.Minute),
		pollEvery:    pollInterval,
		refreshEvery: refreshInterval,
		recoverEvery: recoverInterval,
	}
}

// emitted tracks the last serialization of each event so repeats are
// suppressed. Fresh state means both events fire, which is the on-open
// contract.
type emitted struct {
	job  string
	sims string
}

func (s *streamer) Stream(ctx context.Context, jobID string, emit Emitter) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	if s.rec != nil && !model.JobTerminal(job.Status) {
		if err := s.rec.RecoverJob(ctx, jobID); err != nil {
			log.Warn().Err(err).Str("jobID", jobID).Msg("Failed to recover job on stream open")
		}
	}

	var last emitted
	done, err := s.emitSnapshot(ctx, jobID, emit, &last)
	if err != nil || done {
		return err
	}

	if s.progress.Live() {
		return s.streamPush(ctx, jobID, emit, &last)
	}
	return s.streamPoll(ctx, jobID, emit, &last)
}

func (s *streamer) streamPoll(ctx context.Context, jobID string, emit Emitter, last *emitted) error {
	poll := time.NewTicker(s.pollEvery)
	defer poll.Stop()
	recoverTick := time.NewTicker(s.recoverEvery)
	defer recoverTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-poll.C:
			done, err := s.emitSnapshot(ctx, jobID, emit, last)
			if err != nil || done {
				return err
			}
		case <-recoverTick.C:
			s.kickRecovery(ctx, jobID)
		}
	}
}

func (s *streamer) streamPush(ctx context.Context, jobID string, emit Emitter, last *emitted) error {
	notify, cancel := s.progress.Subscribe(ctx, jobID)
	defer cancel()

	// The periodic refresh covers writes that happened while the pubsub
	// connection was being set up, and any dropped notification after.
	refresh := time.NewTicker(s.refreshEvery)
	defer refresh.Stop()
	recoverTick := time.NewTicker(s.recoverEvery)
	defer recoverTick.Stop()

	for {
		var snapshotDue bool
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-notify:
			if !ok {
				log.Debug().Str("jobID", jobID).Msg("Progress subscription closed, falling back to polling")
				return s.streamPoll(ctx, jobID, emit, last)
			}
			snapshotDue = true
		case <-refresh.C:
			snapshotDue = true
		case <-recoverTick.C:
			s.kickRecovery(ctx, jobID)
		}

		if snapshotDue {
			done, err := s.emitSnapshot(ctx, jobID, emit, last)
			if err != nil || done {
				return err
			}
		}
	}
}

// emitSnapshot reads the rows of record and emits whichever events changed.
// Reports whether the job is terminal, after the final state went out.
func (s *streamer) emitSnapshot(ctx context.Context, jobID string, emit Emitter, last *emitted) (bool, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			// Deleted underneath the observer; nothing left to stream.
			return true, nil
		}
		log.Warn().Err(err).Str("jobID", jobID).Msg("Failed to snapshot job")
		return false, nil
	}

	sims, err := s.store.GetSimulationStatuses(ctx, jobID)
	if err != nil {
		log.Warn().Err(err).Str("jobID", jobID).Msg("Failed to snapshot simulations")
		sims = nil
	}
	if sims == nil {
		sims = []*model.Simulation{}
	}

	snap := s.buildJobSnapshot(ctx, job, sims)
	payload, err := json.Marshal(snap)
	if err != nil {
		return false, err
	}
	if string(payload) != last.job {
		if err := emit("", snap); err != nil {
			return false, err
		}
		last.job = string(payload)
	}

	simsSnap := SimulationsSnapshot{Simulations: sims}
	simsPayload, err := json.Marshal(simsSnap)
	if err != nil {
		return false, err
	}
	if string(simsPayload) != last.sims {
		if err := emit(SimulationsEvent, simsSnap); err != nil {
			return false, err
		}
		last.sims = string(simsPayload)
	}

	return model.JobTerminal(job.Status), nil
}

func (s *streamer) kickRecovery(ctx context.Context, jobID string) {
	if s.rec == nil {
		return
	}
	if err := s.rec.RecoverJob(ctx, jobID); err != nil {
		log.Warn().Err(err).Str("jobID", jobID).Msg("Failed to recover job from stream tick")
	}
}
