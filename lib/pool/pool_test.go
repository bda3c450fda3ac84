package pool

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// shutdown stops the pool and fails the test on error
func shutdown(t *testing.T, p *Pool) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	discarded, err := p.Shutdown(ctx)
	if err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	return discarded
}

// blockingJob returns a job that signals started and blocks until release is closed
func blockingJob(started chan<- struct{}, release <-chan struct{}) Job {
	return func() {
		started <- struct{}{}
		<-release
	}
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestFIFOWithSingleWorker(t *testing.T) {
	p := New(1)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(5)

	for i := 1; i <= 5; i++ {
		v := i
		if err := p.Submit(func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, v)
			mu.Unlock()
		}); err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}
	wg.Wait()
	shutdown(t, p)

	expected := []int{1, 2, 3, 4, 5}
	if len(order) != len(expected) {
		t.Fatalf("Expected %v, got %v", expected, order)
	}
	for i := range expected {
		if order[i] != expected[i] {
			t.Errorf("Expected %v, got %v", expected, order)
			break
		}
	}
}

func TestAllJobsExecutedOnce(t *testing.T) {
	p := New(8)

	const numJobs = 10_000
	var counts [numJobs]atomic.Int32
	var wg sync.WaitGroup
	wg.Add(numJobs)

	for i := 0; i < numJobs; i++ {
		idx := i
		if err := p.Submit(func() {
			defer wg.Done()
			counts[idx].Add(1)
		}); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	wg.Wait()
	shutdown(t, p)

	for i := range counts {
		if c := counts[i].Load(); c != 1 {
			t.Errorf("Job %d executed %d times", i, c)
		}
	}

	stats := p.Stats()
	if stats.Submitted != numJobs || stats.Executed != numJobs {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestDefaultWorkerCount(t *testing.T) {
	p := New(0)
	defer shutdown(t, p)

	if p.Stats().Workers < 1 {
		t.Errorf("Expected at least one worker, got %d", p.Stats().Workers)
	}
}

func TestShutdownJoinsWorkers(t *testing.T) {
	p := New(4)

	var running atomic.Int32
	var finished atomic.Int32
	started := make(chan struct{}, 4)

	for i := 0; i < 4; i++ {
		_ = p.Submit(func() {
			running.Add(1)
			started <- struct{}{}
			time.Sleep(50 * time.Millisecond)
			running.Add(-1)
			finished.Add(1)
		})
	}
	for i := 0; i < 4; i++ {
		<-started
	}

	shutdown(t, p)

	// running jobs finish, nothing runs after Shutdown returned
	if r := running.Load(); r != 0 {
		t.Errorf("%d jobs still running after Shutdown", r)
	}
	if f := finished.Load(); f != 4 {
		t.Errorf("Expected 4 finished jobs, got %d", f)
	}
	if stats := p.Stats(); stats.State != StateClosed || stats.Active != 0 {
		t.Errorf("Unexpected stats after shutdown %+v", stats)
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	p := New(2)
	shutdown(t, p)

	var executed atomic.Bool
	err := p.Submit(func() { executed.Store(true) })
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if executed.Load() {
		t.Errorf("Job submitted after shutdown was executed")
	}

	if _, err := p.Shutdown(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Second Shutdown should fail with ErrClosed, got %v", err)
	}
}

func TestShutdownDiscardsQueuedJobs(t *testing.T) {
	p := New(1)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	_ = p.Submit(blockingJob(started, release))
	<-started

	var executed atomic.Int32
	for i := 0; i < 3; i++ {
		_ = p.Submit(func() { executed.Add(1) })
	}

	type result struct {
		discarded int
		err       error
	}
	done := make(chan result)
	go func() {
		discarded, err := p.Shutdown(context.Background())
		done <- result{discarded, err}
	}()

	// shutdown has to wait for the running job
	time.Sleep(20 * time.Millisecond)
	close(release)

	res := <-done
	if res.err != nil {
		t.Fatalf("Shutdown failed: %v", res.err)
	}
	if discarded := res.discarded; discarded != 3 {
		t.Errorf("Expected 3 discarded jobs, got %d", discarded)
	}
	if e := executed.Load(); e != 0 {
		t.Errorf("Queued jobs must not execute after shutdown, %d did", e)
	}
	if stats := p.Stats(); stats.Discarded != 3 || stats.Queued != 0 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestShutdownTimeout(t *testing.T) {
	p := New(1)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)

	_ = p.Submit(blockingJob(started, release))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Shutdown(ctx)
	if !errors.Is(err, ErrShutdownTimeout) {
		t.Errorf("Expected ErrShutdownTimeout, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected the context error to be wrapped, got %v", err)
	}
}

func TestPauseResume(t *testing.T) {
	p := New(2)
	defer shutdown(t, p)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	_ = p.Submit(blockingJob(started, release))
	<-started

	// pause has to wait for the running job
	paused := make(chan error)
	go func() {
		paused <- p.Pause(context.Background())
	}()

	select {
	case <-paused:
		t.Fatalf("Pause returned while a job was running")
	case <-time.After(20 * time.Millisecond):
	}
	if s := p.Stats().State; s != StatePausing {
		t.Errorf("Expected state pausing, got %s", s)
	}

	close(release)
	if err := <-paused; err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if s := p.Stats().State; s != StatePaused {
		t.Errorf("Expected state paused, got %s", s)
	}

	// jobs submitted while paused stay queued
	var executed atomic.Int32
	_ = p.Submit(func() { executed.Add(1) })
	time.Sleep(20 * time.Millisecond)
	if executed.Load() != 0 {
		t.Errorf("Job executed while the pool was paused")
	}
	if q := p.Stats().Queued; q != 1 {
		t.Errorf("Expected 1 queued job, got %d", q)
	}

	if err := p.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for executed.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if executed.Load() != 1 {
		t.Errorf("Job did not run after Resume")
	}
}

func TestPauseTimeout(t *testing.T) {
	p := New(1)
	defer shutdown(t, p)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	_ = p.Submit(blockingJob(started, release))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Pause(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}

	// the pause completes once the job returns
	close(release)
	if err := p.Pause(context.Background()); err != nil {
		t.Errorf("Pause failed: %v", err)
	}
	if s := p.Stats().State; s != StatePaused {
		t.Errorf("Expected state paused, got %s", s)
	}
}

func TestPanickingJob(t *testing.T) {
	p := New(1)

	var wg sync.WaitGroup
	wg.Add(1)
	_ = p.Submit(func() { panic("boom") })
	_ = p.Submit(func() { wg.Done() })

	wg.Wait()
	shutdown(t, p)

	if stats := p.Stats(); stats.Panicked != 1 || stats.Executed != 2 {
		t.Errorf("Expected 1 panicked and 2 executed jobs, got %+v", stats)
	}
}

func TestNilJob(t *testing.T) {
	p := New(1)
	defer shutdown(t, p)

	if err := p.Submit(nil); !errors.Is(err, ErrNilJob) {
		t.Errorf("Expected ErrNilJob, got %v", err)
	}
}

func TestMetrics(t *testing.T) {
	p := New(1, WithName("test"))

	var wg sync.WaitGroup
	wg.Add(1)
	_ = p.Submit(func() { wg.Done() })
	wg.Wait()
	shutdown(t, p)

	var buf bytes.Buffer
	p.Metrics().WritePrometheus(&buf)
	out := buf.String()

	for _, expected := range []string{
		`memdb_pool_jobs_submitted_total{pool="test"} 1`,
		`memdb_pool_jobs_executed_total{pool="test"} 1`,
		`memdb_pool_workers{pool="test"} 1`,
	} {
		if !strings.Contains(out, expected) {
			t.Errorf("Metrics output misses %q:\n%s", expected, out)
		}
	}
}
