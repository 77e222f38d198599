// Package worker implements the consumer pool: long-running loops that claim
// jobs from the store, invoke the generative model, and write back a terminal
// state. Multiple pool processes may run against the same store; the store's
// atomic claim is the only coordination between them.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/example/testsmith/internal/ai"
	"github.com/example/testsmith/internal/model"
	"github.com/example/testsmith/internal/prompt"
	"github.com/example/testsmith/internal/store"
)

type Pool struct {
	Queue           model.Queue
	Store           *store.SQLite
	Generator       ai.Generator
	Concurrency     int
	PollInterval    time.Duration
	GenerateTimeout time.Duration
}

// Run starts the pool's consumers and blocks until the context is cancelled
// and all consumers have drained their in-flight job.
func (p *Pool) Run(ctx context.Context) {
	concurrency := p.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	log.Info().
		Str("component", "worker").
		Str("queue", string(p.Queue)).
		Int("consumers", concurrency).
		Msg("Consumer pool started")

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.consume(ctx, id)
		}(i)
	}
	wg.Wait()

	log.Info().
		Str("component", "worker").
		Str("queue", string(p.Queue)).
		Msg("Consumer pool stopped")
}

// consume polls for work until the context is cancelled. Each consumer
// processes one job at a time.
func (p *Pool) consume(ctx context.Context, id int) {
	interval := p.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Pick up any existing backlog immediately; the ticker only fires
	// after a full interval.
	for p.processNext(ctx, id) {
		if ctx.Err() != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			log.Debug().
				Str("component", "worker").
				Str("queue", string(p.Queue)).
				Int("consumer_id", id).
				Msg("Consumer stopping")
			return
		case <-ticker.C:
			// Drain the backlog before sleeping again.
			for p.processNext(ctx, id) {
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// processNext claims and processes at most one job. It reports whether a job
// was claimed, so callers can keep draining a non-empty queue.
func (p *Pool) processNext(ctx context.Context, id int) bool {
	job, err := p.Store.ClaimNext(ctx, p.Queue)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().
				Str("component", "worker").
				Str("queue", string(p.Queue)).
				Int("consumer_id", id).
				Err(err).
				Msg("Claim failed")
		}
		return false
	}
	if job == nil {
		return false
	}

	log.Info().
		Str("component", "worker").
		Str("queue", string(p.Queue)).
		Int("consumer_id", id).
		Str("job_id", job.ID).
		Msg("Processing job")

	start := time.Now()
	result, procErr := p.process(ctx, job)

	// The terminal write must land even when the pool is shutting down,
	// otherwise the claimed job wedges in active with no redelivery.
	writeCtx := context.WithoutCancel(ctx)
	if procErr != nil {
		log.Warn().
			Str("component", "worker").
			Str("queue", string(p.Queue)).
			Str("job_id", job.ID).
			Dur("elapsed", time.Since(start)).
			Err(procErr).
			Msg("Job failed")
		if err := p.Store.MarkFailed(writeCtx, p.Queue, job.ID, procErr.Error()); err != nil {
			log.Error().
				Str("component", "worker").
				Str("job_id", job.ID).
				Err(err).
				Msg("Terminal write failed")
		}
		return true
	}

	if err := p.Store.MarkCompleted(writeCtx, p.Queue, job.ID, result); err != nil {
		log.Error().
			Str("component", "worker").
			Str("job_id", job.ID).
			Err(err).
			Msg("Terminal write failed")
		return true
	}
	log.Info().
		Str("component", "worker").
		Str("queue", string(p.Queue)).
		Str("job_id", job.ID).
		Dur("elapsed", time.Since(start)).
		Msg("Job completed")
	return true
}

// process runs the generation step for one claimed job. Any returned error
// becomes the job's failure reason; it never aborts the pool.
func (p *Pool) process(ctx context.Context, job *model.Job) (model.Result, error) {
	if p.GenerateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.GenerateTimeout)
		defer cancel()
	}

	switch job.Queue {
	case model.QueueSuggestions:
		raw, err := p.Generator.Generate(ctx, prompt.Suggestions(job.Payload.Files))
		if err != nil {
			return model.Result{}, err
		}
		var suggestions []model.Suggestion
		if err := json.Unmarshal([]byte(prompt.StripFence(raw)), &suggestions); err != nil {
			return model.Result{}, fmt.Errorf("model returned malformed suggestion JSON: %w", err)
		}
		return model.Result{Suggestions: suggestions}, nil

	case model.QueueCode:
		if job.Payload.Suggestion == nil {
			return model.Result{}, fmt.Errorf("job payload has no suggestion")
		}
		raw, err := p.Generator.Generate(ctx, prompt.Code(job.Payload.Files, *job.Payload.Suggestion))
		if err != nil {
			return model.Result{}, err
		}
		return model.Result{Code: prompt.StripFence(raw)}, nil

	default:
		return model.Result{}, fmt.Errorf("unknown queue %q", job.Queue)
	}
}
