package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/testsmith/internal/model"
	"github.com/example/testsmith/internal/store"
)

type fakeGenerator struct {
	mu       sync.Mutex
	response string
	err      error
	prompts  []string
}

func (f *fakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func newTestPool(t *testing.T, queue model.Queue, gen *fakeGenerator) (*Pool, *store.SQLite) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return &Pool{
		Queue:           queue,
		Store:           s,
		Generator:       gen,
		Concurrency:     1,
		PollInterval:    10 * time.Millisecond,
		GenerateTimeout: time.Second,
	}, s
}

func suggestionPayload() model.Payload {
	return model.Payload{
		Files: []model.SourceFile{{Name: "a.js", Content: "function add(a,b){return a+b}"}},
	}
}

func TestProcessNext_EmptyQueue(t *testing.T) {
	pool, _ := newTestPool(t, model.QueueSuggestions, &fakeGenerator{})

	require.False(t, pool.processNext(context.Background(), 0))
}

func TestProcessNext_SuggestionsCompleted(t *testing.T) {
	gen := &fakeGenerator{response: "```json\n[{\"title\":\"Adds two numbers\",\"description\":\"add(1,2) is 3\"}]\n```"}
	pool, s := newTestPool(t, model.QueueSuggestions, gen)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, model.QueueSuggestions, suggestionPayload())
	require.NoError(t, err)

	require.True(t, pool.processNext(ctx, 0))

	stored, err := s.GetJob(ctx, model.QueueSuggestions, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateCompleted, stored.State)
	require.NotNil(t, stored.Result)
	require.Equal(t,
		[]model.Suggestion{{Title: "Adds two numbers", Description: "add(1,2) is 3"}},
		stored.Result.Suggestions)
	require.Empty(t, stored.FailureReason)

	require.Len(t, gen.prompts, 1)
	require.Contains(t, gen.prompts[0], "--- File: a.js ---")
}

func TestProcessNext_SuggestionsMalformedJSON(t *testing.T) {
	gen := &fakeGenerator{response: "Sure! Here are some test ideas for your code."}
	pool, s := newTestPool(t, model.QueueSuggestions, gen)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, model.QueueSuggestions, suggestionPayload())
	require.NoError(t, err)

	require.True(t, pool.processNext(ctx, 0))

	stored, err := s.GetJob(ctx, model.QueueSuggestions, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateFailed, stored.State)
	require.Contains(t, stored.FailureReason, "malformed suggestion JSON")
	require.Nil(t, stored.Result)
}

func TestProcessNext_GeneratorError(t *testing.T) {
	gen := &fakeGenerator{err: fmt.Errorf("upstream timeout")}
	pool, s := newTestPool(t, model.QueueSuggestions, gen)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, model.QueueSuggestions, suggestionPayload())
	require.NoError(t, err)

	require.True(t, pool.processNext(ctx, 0))

	stored, err := s.GetJob(ctx, model.QueueSuggestions, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateFailed, stored.State)
	require.Equal(t, "upstream timeout", stored.FailureReason)
}

func TestProcessNext_CodeCompleted(t *testing.T) {
	gen := &fakeGenerator{response: "```javascript\ntest('adds', () => { expect(add(2,3)).toBe(5); });\n```"}
	pool, s := newTestPool(t, model.QueueCode, gen)
	ctx := context.Background()

	payload := model.Payload{
		Files:      suggestionPayload().Files,
		Suggestion: &model.Suggestion{Title: "Adds two positive numbers", Description: "add(2,3) returns 5"},
	}
	job, err := s.Enqueue(ctx, model.QueueCode, payload)
	require.NoError(t, err)

	require.True(t, pool.processNext(ctx, 0))

	stored, err := s.GetJob(ctx, model.QueueCode, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateCompleted, stored.State)
	require.NotNil(t, stored.Result)
	require.Equal(t, "test('adds', () => { expect(add(2,3)).toBe(5); });", stored.Result.Code)
	require.NotContains(t, stored.Result.Code, "```")

	require.Contains(t, gen.prompts[0], `"Adds two positive numbers"`)
}

func TestProcessNext_CodeWithoutSuggestion(t *testing.T) {
	pool, s := newTestPool(t, model.QueueCode, &fakeGenerator{response: "code"})
	ctx := context.Background()

	job, err := s.Enqueue(ctx, model.QueueCode, suggestionPayload())
	require.NoError(t, err)

	require.True(t, pool.processNext(ctx, 0))

	stored, err := s.GetJob(ctx, model.QueueCode, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateFailed, stored.State)
	require.Contains(t, stored.FailureReason, "no suggestion")
}

// blockingGenerator holds the generation call open until released, ignoring
// cancellation the way an in-flight upstream call does.
type blockingGenerator struct {
	started  chan struct{}
	release  chan struct{}
	response string
}

func (g *blockingGenerator) Generate(context.Context, string) (string, error) {
	close(g.started)
	<-g.release
	return g.response, nil
}

// ctxBoundGenerator blocks until its context expires, simulating a stalled
// upstream call.
type ctxBoundGenerator struct{}

func (ctxBoundGenerator) Generate(ctx context.Context, _ string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestRun_TerminalWriteSurvivesShutdown(t *testing.T) {
	gen := &blockingGenerator{
		started:  make(chan struct{}),
		release:  make(chan struct{}),
		response: `[{"title":"t","description":"d"}]`,
	}
	s, err := store.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	pool := &Pool{
		Queue:        model.QueueSuggestions,
		Store:        s,
		Generator:    gen,
		Concurrency:  1,
		PollInterval: 10 * time.Millisecond,
	}
	ctx, cancel := context.WithCancel(context.Background())

	job, err := s.Enqueue(ctx, model.QueueSuggestions, suggestionPayload())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	// Cancel the pool while the claimed job is still generating, then let
	// the generation finish.
	<-gen.started
	cancel()
	close(gen.release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after cancellation")
	}

	stored, err := s.GetJob(context.Background(), model.QueueSuggestions, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateCompleted, stored.State, "in-flight job must drain to a terminal state")
	require.NotNil(t, stored.Result)
}

func TestProcessNext_GenerateTimeout(t *testing.T) {
	pool, s := newTestPool(t, model.QueueSuggestions, nil)
	pool.Generator = ctxBoundGenerator{}
	pool.GenerateTimeout = 50 * time.Millisecond
	ctx := context.Background()

	job, err := s.Enqueue(ctx, model.QueueSuggestions, suggestionPayload())
	require.NoError(t, err)

	require.True(t, pool.processNext(ctx, 0))

	stored, err := s.GetJob(ctx, model.QueueSuggestions, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateFailed, stored.State)
	require.Contains(t, stored.FailureReason, "deadline exceeded")
	require.Nil(t, stored.Result)
}

func TestRun_DrainsBacklogImmediately(t *testing.T) {
	gen := &fakeGenerator{response: `[{"title":"t","description":"d"}]`}
	pool, s := newTestPool(t, model.QueueSuggestions, gen)
	// A long interval: only the startup drain can pick the job up in time.
	pool.PollInterval = time.Minute
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := s.Enqueue(ctx, model.QueueSuggestions, suggestionPayload())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		stored, err := s.GetJob(context.Background(), model.QueueSuggestions, job.ID)
		return err == nil && stored.State == model.StateCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after cancellation")
	}
}

func TestRun_ProcessesAndStops(t *testing.T) {
	gen := &fakeGenerator{response: `[{"title":"t","description":"d"}]`}
	pool, s := newTestPool(t, model.QueueSuggestions, gen)
	pool.Concurrency = 2
	ctx, cancel := context.WithCancel(context.Background())

	var jobIDs []string
	for i := 0; i < 4; i++ {
		job, err := s.Enqueue(ctx, model.QueueSuggestions, suggestionPayload())
		require.NoError(t, err)
		jobIDs = append(jobIDs, job.ID)
	}

	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		for _, id := range jobIDs {
			job, err := s.GetJob(context.Background(), model.QueueSuggestions, id)
			if err != nil || !job.State.Terminal() {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after cancellation")
	}

	for _, id := range jobIDs {
		job, err := s.GetJob(context.Background(), model.QueueSuggestions, id)
		require.NoError(t, err)
		require.Equal(t, model.StateCompleted, job.State)
	}
}
