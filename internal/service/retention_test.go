package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeArchiver struct {
	ruleCount  int64
	auditCount int64
	ruleErr    error
	auditErr   error
	ruleCalls  int
	auditCalls int
	lastCutoff time.Time
}

func (a *fakeArchiver) ArchiveRules(_ context.Context, before time.Time) (int64, error) {
	a.ruleCalls++
	a.lastCutoff = before
	return a.ruleCount, a.ruleErr
}

func (a *fakeArchiver) ArchiveAudit(_ context.Context, before time.Time) (int64, error) {
	a.auditCalls++
	return a.auditCount, a.auditErr
}

type fakePruner struct {
	calls  int
	cutoff time.Time
	err    error
}

func (p *fakePruner) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	p.calls++
	p.cutoff = before
	return 7, p.err
}

func TestRetentionSweepArchivesAndPrunes(t *testing.T) {
	archiver := &fakeArchiver{ruleCount: 4, auditCount: 9}
	pruner := &fakePruner{}
	window := 30 * 24 * time.Hour
	job := NewRetention(archiver, pruner, window, time.Hour, testLogger())

	job.sweep(context.Background())

	assert.Equal(t, 1, archiver.ruleCalls)
	assert.Equal(t, 1, archiver.auditCalls)
	require.Equal(t, 1, pruner.calls)

	wantCutoff := time.Now().UTC().Add(-window)
	assert.WithinDuration(t, wantCutoff, pruner.cutoff, 5*time.Second)
	assert.Equal(t, archiver.lastCutoff, pruner.cutoff)
}

func TestRetentionNoPruneOnArchiveFailure(t *testing.T) {
	archiver := &fakeArchiver{auditErr: errors.New("upload failed")}
	pruner := &fakePruner{}
	job := NewRetention(archiver, pruner, time.Hour, time.Hour, testLogger())

	job.sweep(context.Background())

	assert.Zero(t, pruner.calls)
}

func TestRetentionNoPruneWhenNothingArchived(t *testing.T) {
	archiver := &fakeArchiver{auditCount: 0}
	pruner := &fakePruner{}
	job := NewRetention(archiver, pruner, time.Hour, time.Hour, testLogger())

	job.sweep(context.Background())

	assert.Equal(t, 1, archiver.auditCalls)
	assert.Zero(t, pruner.calls)
}

func TestRetentionRuleFailureDoesNotBlockAudit(t *testing.T) {
	archiver := &fakeArchiver{ruleErr: errors.New("bucket gone"), auditCount: 2}
	pruner := &fakePruner{}
	job := NewRetention(archiver, pruner, time.Hour, time.Hour, testLogger())

	job.sweep(context.Background())

	assert.Equal(t, 1, archiver.auditCalls)
	assert.Equal(t, 1, pruner.calls)
}

func TestRetentionRunStopsOnCancel(t *testing.T) {
	job := NewRetention(&fakeArchiver{}, &fakePruner{}, time.Hour, time.Hour, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- job.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("retention did not stop")
	}
}
