// Package checker defines the Checker contract (spec §4.3) and one
// implementation per source_type. Each Checker is a cheap local
// applicability predicate plus a network probe; failures are captured into
// ProbeResult rather than propagated, so one Checker's outage never stops
// its siblings — grounded on the teacher's internal/checker/checker.go
// (GitHub release check) and internal/core's per-item error-isolation
// style throughout core.go.
package checker

import (
	"context"
	"math/rand"
	"time"

	"github.com/smallsimplesuper/macplus/internal/models"
)

// ResultStatus is ProbeResult's discriminant.
type ResultStatus string

const (
	Found    ResultStatus = "found"
	NotFound ResultStatus = "not_found"
	Skipped  ResultStatus = "skipped"
	ErrorResult ResultStatus = "error"
)

// ProbeResult is a Checker's probe outcome, per spec §4.3.
type ProbeResult struct {
	Status          ResultStatus
	Version         string
	DownloadURL     string
	ReleaseNotes    string
	ReleaseNotesURL string
	IsPaidUpgrade   bool
	SkipReason      string
	Err             error
}

func found(version, url, notes, notesURL string, paid bool) ProbeResult {
	return ProbeResult{Status: Found, Version: version, DownloadURL: url, ReleaseNotes: notes, ReleaseNotesURL: notesURL, IsPaidUpgrade: paid}
}

func notFound() ProbeResult { return ProbeResult{Status: NotFound} }

func skipped(reason string) ProbeResult { return ProbeResult{Status: Skipped, SkipReason: reason} }

func errored(err error) ProbeResult { return ProbeResult{Status: ErrorResult, Err: err} }

// Checker is one source_type's applicability predicate and network probe.
type Checker interface {
	SourceType() models.SourceType
	Applicable(app models.InstalledApp) bool
	Probe(ctx context.Context, app models.InstalledApp) ProbeResult
}

// retryJitterBase is the 500ms jitter spec §7 names for a Checker's single
// retry of a failed probe.
const retryJitterBase = 500 * time.Millisecond

// withRetry runs attempt once and, if it produced an ErrorResult, retries it
// exactly once after a jittered delay, per spec §7: "Network{retriable=true}
// triggers one retry with 500 ms jitter; further failures yield Error." ctx
// is honored between attempts so a cancelled scan doesn't stall on the sleep.
func withRetry(ctx context.Context, attempt func() ProbeResult) ProbeResult {
	result := attempt()
	if result.Status != ErrorResult {
		return result
	}
	select {
	case <-time.After(retryJitterBase + time.Duration(rand.Int63n(int64(retryJitterBase)))):
	case <-ctx.Done():
		return result
	}
	return attempt()
}
