package cron

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mercadofree/mercadofree-backend/pkg/logger"
	"github.com/mercadofree/mercadofree-backend/pkg/metrics"
)

type fakeLock struct {
	acquired bool
	held     bool
	lost     bool
	releases int
}

func (f *fakeLock) Acquire(context.Context) (bool, error) {
	if f.held {
		return false, nil
	}
	f.acquired = true
	return true, nil
}

func (f *fakeLock) Extend(context.Context) (bool, error) {
	return f.acquired && !f.lost, nil
}

func (f *fakeLock) Owner() string {
	if f.acquired {
		return "test-host/1"
	}
	return ""
}

func (f *fakeLock) Release(context.Context) error {
	f.acquired = false
	f.releases++
	return nil
}

type testJob struct {
	name string
	rows int64
	err  error
	runs int
}

func (t *testJob) Name() string { return t.name }

func (t *testJob) Run(context.Context) (int64, error) {
	t.runs++
	return t.rows, t.err
}

func TestServiceRunCycleRunsAllJobsEvenOnFailure(t *testing.T) {
	logg := logger.New(logger.Options{ServiceName: "cron-test"})
	success := &testJob{name: "success"}
	failure := &testJob{name: "fail", err: errors.New("boom")}
	lock := &fakeLock{}
	service, err := NewService(ServiceParams{
		Logger:   logg,
		Registry: NewRegistry(success, failure),
		Lock:     lock,
		Interval: 0,
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	if err := service.RunOnce(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if success.runs != 1 {
		t.Fatalf("expected success job to run once, ran %d", success.runs)
	}
	if failure.runs != 1 {
		t.Fatalf("expected failure job to run once, ran %d", failure.runs)
	}
	if lock.releases != 1 || lock.acquired {
		t.Fatalf("expected lock released after the cycle")
	}
}

func TestServiceSkipsCycleWithoutLock(t *testing.T) {
	job := &testJob{name: OrderExpiryJobName}
	service, err := NewService(ServiceParams{
		Logger:   logger.Nop(),
		Registry: NewRegistry(job),
		Lock:     &fakeLock{held: true},
		Interval: time.Second,
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	if err := service.RunOnce(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if job.runs != 0 {
		t.Fatalf("expected job to be skipped, ran %d", job.runs)
	}
}

func TestServiceRecordsJobMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	cronMetrics := metrics.NewCronJobMetrics(reg)
	service, err := NewService(ServiceParams{
		Logger: logger.Nop(),
		Registry: NewRegistry(
			&testJob{name: OrderExpiryJobName, rows: 4},
			&testJob{name: OutboxRetentionJobName, rows: 100, err: errors.New("db down")},
		),
		Lock:     &fakeLock{},
		Metrics:  cronMetrics,
		Interval: time.Second,
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	if err := service.RunOnce(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if got, err := testutil.GatherAndCount(reg, "mercadofree_cron_job_runs_total"); err != nil || got != 2 {
		t.Fatalf("expected a success and a failure series, got %d (%v)", got, err)
	}
	if got, err := testutil.GatherAndCount(reg, "mercadofree_cron_job_rows_total"); err != nil || got != 1 {
		t.Fatalf("expected rows only for the successful sweep, got %d (%v)", got, err)
	}
	if got, err := testutil.GatherAndCount(reg, "mercadofree_cron_job_last_success_timestamp_seconds"); err != nil || got != 1 {
		t.Fatalf("expected one last-success series, got %d (%v)", got, err)
	}
}

func TestServiceCountsSkippedCycles(t *testing.T) {
	reg := prometheus.NewRegistry()
	service, err := NewService(ServiceParams{
		Logger:   logger.Nop(),
		Registry: NewRegistry(&testJob{name: OrderExpiryJobName}),
		Lock:     &fakeLock{held: true},
		Metrics:  metrics.NewCronJobMetrics(reg),
		Interval: time.Second,
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	if err := service.RunOnce(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	expected := `
# HELP mercadofree_cron_cycles_skipped_total Cycles skipped because another replica held the lock.
# TYPE mercadofree_cron_cycles_skipped_total counter
mercadofree_cron_cycles_skipped_total 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "mercadofree_cron_cycles_skipped_total"); err != nil {
		t.Fatalf("skipped counter: %v", err)
	}
}

func TestServiceStopsCycleWhenLockIsLost(t *testing.T) {
	expiry := &testJob{name: OrderExpiryJobName}
	retention := &testJob{name: OutboxRetentionJobName}
	service, err := NewService(ServiceParams{
		Logger:   logger.Nop(),
		Registry: NewRegistry(expiry, retention),
		Lock:     &fakeLock{lost: true},
		Interval: time.Second,
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	if err := service.RunOnce(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if expiry.runs != 1 || retention.runs != 0 {
		t.Fatalf("expected only the first job before the lock check, got %d/%d", expiry.runs, retention.runs)
	}
}

func TestNewServiceRequiresLoggerAndLock(t *testing.T) {
	if _, err := NewService(ServiceParams{Lock: &fakeLock{}}); err == nil {
		t.Fatalf("expected logger error")
	}
	if _, err := NewService(ServiceParams{Logger: logger.Nop()}); err == nil {
		t.Fatalf("expected lock error")
	}
}

func TestServiceRunStopsOnCancel(t *testing.T) {
	job := &testJob{name: "tick"}
	service, err := NewService(ServiceParams{
		Logger:   logger.Nop(),
		Registry: NewRegistry(job),
		Lock:     &fakeLock{},
		Interval: time.Hour,
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- service.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("service did not stop")
	}
}
