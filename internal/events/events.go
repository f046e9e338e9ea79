// Package events is the server-to-GUI event channel of spec.md §4.5/§6: a
// small typed set of progress/completion events and an in-process pub/sub
// broadcaster, grounded on the teacher's logger package in spirit (a single
// global sink every component writes through) but generalized from text
// lines to typed, subscribable events since multiple listeners (a local
// Unix-socket transport, an in-process GUI binding, tests) need their own
// copy of every event rather than a single shared writer.
package events

import "sync"

// Kind discriminates the event union transmitted over the channel.
type Kind string

const (
	ScanProgress          Kind = "scan-progress"
	ScanComplete          Kind = "scan-complete"
	UpdateCheckProgress   Kind = "update-check-progress"
	UpdateCheckComplete   Kind = "update-check-complete"
	UpdateFound           Kind = "update-found"
	UpdateExecuteProgress Kind = "update-execute-progress"
	UpdateExecuteComplete Kind = "update-execute-complete"
	SelfUpdateAvailable   Kind = "self-update-available"
	SelfUpdateProgress    Kind = "self-update-progress"
	SelfUpdateComplete    Kind = "self-update-complete"
)

// Event is one envelope on the channel. Payload holds one of the Kind-
// specific structs below; callers type-assert on Kind.
type Event struct {
	Kind    Kind
	Payload any
}

// ScanProgressPayload reports discovery of one app mid-scan.
type ScanProgressPayload struct {
	BundleID    string
	DisplayName string
	AppsFound   int
}

// ScanCompletePayload reports a finished scan.
type ScanCompletePayload struct {
	Success   bool
	Message   string
	AppsFound int
	Warnings  int
}

// UpdateCheckProgressPayload reports resolver progress across the catalog.
type UpdateCheckProgressPayload struct {
	Phase    string
	BundleID string
	Checked  int
	Total    int
}

// UpdateCheckCompletePayload reports a finished check_all.
type UpdateCheckCompletePayload struct {
	Success      bool
	Message      string
	UpdatesFound int
}

// UpdateFoundPayload announces one newly detected UpdateCandidate.
type UpdateFoundPayload struct {
	BundleID         string
	DisplayName      string
	AvailableVersion string
	SourceType       string
}

// ExecuteProgressPayload is an Executor's per-phase progress report
// (spec §4.4: "{bundle_id, phase, percent, downloaded_bytes?, total_bytes?}").
type ExecuteProgressPayload struct {
	BundleID       string
	Phase          string
	Percent        int
	DownloadedBytes int64
	TotalBytes      int64
}

// ExecuteCompletePayload is an Executor's terminal report (spec §4.4).
type ExecuteCompletePayload struct {
	BundleID      string
	DisplayName   string
	Success       bool
	Message       string
	NeedsRelaunch bool
	AppPath       string
	Delegated     bool
}

// SelfUpdateAvailablePayload/ProgressPayload/CompletePayload mirror the
// Execute family for the engine's own self-update path.
type SelfUpdateAvailablePayload struct {
	Version string
}

type SelfUpdateProgressPayload struct {
	Phase   string
	Percent int
}

type SelfUpdateCompletePayload struct {
	Success       bool
	Message       string
	NeedsRelaunch bool
}

// Bus is the in-process broadcaster: every Publish fans out to every
// currently-subscribed channel, non-blocking (a slow/absent subscriber
// never stalls the publisher — its buffer just drops the event).
type Bus struct {
	mu    sync.Mutex
	subs  map[int]chan Event
	nextID int
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new listener with the given buffer size and returns
// its channel plus an unsubscribe func.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subs[id]; ok {
			close(existing)
			delete(b.subs, id)
		}
	}
}

// Publish fans out ev to every subscriber without blocking on a full buffer.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
