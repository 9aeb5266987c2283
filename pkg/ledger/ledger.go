package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"

	"github.com/sindri-dev/sindri/pkg/telemetry"
)

const (
	// DefaultRetentionDays is the compaction retention window.
	DefaultRetentionDays = 90

	// DefaultTailLines is the default number of events shown by tail queries.
	DefaultTailLines = 25

	// DefaultLockTimeout bounds how long an appender waits for the ledger
	// lock before reporting Busy.
	DefaultLockTimeout = 10 * time.Second

	// autoCompactInterval triggers compaction every N events in the file.
	autoCompactInterval = 100

	lockRetryInterval = 100 * time.Millisecond
)

// ErrBusy is returned when another process holds the ledger lock past the
// configured deadline.
var ErrBusy = errors.New("status ledger is locked by another process")

// CorruptLineError reports a malformed ledger line. Apart from a partial
// trailing line, malformed lines indicate corruption and block derivation.
type CorruptLineError struct {
	Line int
	Err  error
}

func (e *CorruptLineError) Error() string {
	return fmt.Sprintf("corrupt ledger line %d: %v", e.Line, e.Err)
}

func (e *CorruptLineError) Unwrap() error {
	return e.Err
}

// Status is the derived status of one extension.
type Status struct {
	ExtensionName string         `json:"extension_name"`
	CurrentState  ExtensionState `json:"current_state"`
	Version       string         `json:"version,omitempty"`
	LastEventTime time.Time      `json:"last_event_time"`
	LastEventID   string         `json:"last_event_id"`
}

// Stats is a cached projection of ledger telemetry counters.
type Stats struct {
	TotalEvents     int               `json:"total_events"`
	FileSizeBytes   int64             `json:"file_size_bytes"`
	OldestTimestamp *time.Time        `json:"oldest_timestamp,omitempty"`
	NewestTimestamp *time.Time        `json:"newest_timestamp,omitempty"`
	EventTypeCounts map[EventType]int `json:"event_type_counts"`
}

// Filter selects a subset of ledger events.
type Filter struct {
	// ExtensionName restricts results to a single extension.
	ExtensionName string

	// EventTypes is an allowlist of event type tags. Empty means all.
	EventTypes []EventType

	// Since and Until bound the time range (inclusive since, exclusive until).
	Since *time.Time
	Until *time.Time

	// Limit caps the number of results. Zero means unlimited.
	Limit int

	// Reverse returns newest-first results; combined with Limit this is
	// tail mode.
	Reverse bool
}

func (f Filter) matches(env *Envelope) bool {
	if f.ExtensionName != "" && env.ExtensionName != f.ExtensionName {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if env.Event.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Since != nil && env.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !env.Timestamp.Before(*f.Until) {
		return false
	}
	return true
}

// Ledger is the append-only status ledger backed by a JSON-lines file.
// Appends are serialised with an advisory file lock; reads are lock-free.
type Ledger struct {
	path        string
	cliVersion  string
	lockTimeout time.Duration
	flk         *flock.Flock
	logger      *telemetry.Logger
}

// New creates a ledger over the given file path. The file and its parent
// directory are created lazily on first append.
func New(path, cliVersion string, logger *telemetry.Logger) *Ledger {
	return &Ledger{
		path:        path,
		cliVersion:  cliVersion,
		lockTimeout: DefaultLockTimeout,
		flk:         flock.New(path + ".lock"),
		logger:      logger.NewComponentLogger("ledger"),
	}
}

// Path returns the ledger file path.
func (l *Ledger) Path() string {
	return l.path
}

// CLIVersion returns the CLI version stamped on appended envelopes.
func (l *Ledger) CLIVersion() string {
	return l.cliVersion
}

// SetLockTimeout overrides the lock acquisition deadline.
func (l *Ledger) SetLockTimeout(d time.Duration) {
	l.lockTimeout = d
}

// Append durably writes one event line. The line lands fully (with
// newline and fsync) or not at all. Lock contention past the deadline
// returns ErrBusy.
func (l *Ledger) Append(ctx context.Context, env Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	unlock, err := l.acquireLock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if err := l.appendLocked(env); err != nil {
		return err
	}

	// Auto-compaction keeps the file bounded without a maintenance daemon.
	total, err := l.countEvents()
	if err == nil && total > 0 && total%autoCompactInterval == 0 {
		if _, cerr := l.compactLocked(DefaultRetentionDays); cerr != nil {
			l.logger.WithError(cerr).Warn("auto-compaction failed")
		}
	}

	return nil
}

func (l *Ledger) appendLocked(env Envelope) error {
	line, err := env.MarshalLine()
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing ledger line: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing ledger: %w", err)
	}

	l.logger.WithExtension(env.ExtensionName).
		WithField("event_type", string(env.Event.Type)).
		Debug("appended ledger event")
	return nil
}

// AppendEvent wraps an event payload in an envelope and appends it.
func (l *Ledger) AppendEvent(ctx context.Context, before *ExtensionState, after ExtensionState, event Event) (Envelope, error) {
	env := NewEnvelope(l.cliVersion, before, after, event)
	if err := l.Append(ctx, env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (l *Ledger) acquireLock(ctx context.Context) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, l.lockTimeout)
	defer cancel()

	locked, err := l.flk.TryLockContext(lockCtx, lockRetryInterval)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("acquiring ledger lock: %w", err)
	}
	if !locked {
		return nil, ErrBusy
	}
	return func() {
		if err := l.flk.Unlock(); err != nil {
			l.logger.WithError(err).Warn("failed to release ledger lock")
		}
	}, nil
}

// ReadAll returns every complete event in chronological (file) order.
// A partial trailing line without a newline is tolerated and skipped;
// any other malformed line fails with CorruptLineError.
func (l *Ledger) ReadAll() ([]Envelope, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading ledger: %w", err)
	}
	return parseLines(data)
}

func parseLines(data []byte) ([]Envelope, error) {
	if len(data) == 0 {
		return nil, nil
	}

	complete := data
	var partial []byte
	if data[len(data)-1] != '\n' {
		// The trailing chunk was interrupted mid-append.
		if idx := bytes.LastIndexByte(data, '\n'); idx >= 0 {
			complete = data[:idx+1]
			partial = data[idx+1:]
		} else {
			complete = nil
			partial = data
		}
	}

	var events []Envelope
	lineNo := 0
	for _, line := range bytes.Split(complete, []byte{'\n'}) {
		lineNo++
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return nil, &CorruptLineError{Line: lineNo, Err: err}
		}
		events = append(events, env)
	}

	if len(partial) > 0 {
		var env Envelope
		if err := json.Unmarshal(partial, &env); err == nil {
			// The write made it to disk intact, only the newline is missing.
			events = append(events, env)
		}
	}

	return events, nil
}

// LatestStatus derives the current status of every extension by keeping
// the last event per name. Extensions whose final event is
// remove_completed are reported as not_present.
func (l *Ledger) LatestStatus() (map[string]Status, error) {
	events, err := l.ReadAll()
	if err != nil {
		return nil, err
	}

	statuses := make(map[string]Status)
	for i := range events {
		env := &events[i]
		st := Status{
			ExtensionName: env.ExtensionName,
			CurrentState:  env.StateAfter,
			LastEventTime: env.Timestamp,
			LastEventID:   env.EventID,
		}
		if v := env.InstalledVersion(); v != "" {
			st.Version = v
		} else if prev, ok := statuses[env.ExtensionName]; ok {
			st.Version = prev.Version
		}
		statuses[env.ExtensionName] = st
	}
	return statuses, nil
}

// StatusOf returns the derived status for one extension, or a
// not_present status when no events exist.
func (l *Ledger) StatusOf(name string) (Status, error) {
	statuses, err := l.LatestStatus()
	if err != nil {
		return Status{}, err
	}
	if st, ok := statuses[name]; ok {
		return st, nil
	}
	return Status{ExtensionName: name, CurrentState: StateNotPresent}, nil
}

// History returns the chronological events for one extension, optionally
// bounded below by since.
func (l *Ledger) History(name string, since *time.Time) ([]Envelope, error) {
	return l.Query(Filter{ExtensionName: name, Since: since})
}

// Query returns events matching the filter.
func (l *Ledger) Query(f Filter) ([]Envelope, error) {
	events, err := l.ReadAll()
	if err != nil {
		return nil, err
	}

	var out []Envelope
	for i := range events {
		if f.matches(&events[i]) {
			out = append(out, events[i])
		}
	}

	if f.Reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Stats computes the ledger telemetry projection.
func (l *Ledger) Stats() (Stats, error) {
	events, err := l.ReadAll()
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		TotalEvents:     len(events),
		EventTypeCounts: make(map[EventType]int),
	}
	if fi, err := os.Stat(l.path); err == nil {
		stats.FileSizeBytes = fi.Size()
	}
	for i := range events {
		stats.EventTypeCounts[events[i].Event.Type]++
		ts := events[i].Timestamp
		if stats.OldestTimestamp == nil || ts.Before(*stats.OldestTimestamp) {
			t := ts
			stats.OldestTimestamp = &t
		}
		if stats.NewestTimestamp == nil || ts.After(*stats.NewestTimestamp) {
			t := ts
			stats.NewestTimestamp = &t
		}
	}
	return stats, nil
}

// Compact rewrites the ledger keeping only events newer than the
// retention window. The latest event per extension and events written by
// the current CLI version are always retained, so LatestStatus is
// unchanged by compaction. Returns the number of dropped events.
func (l *Ledger) Compact(ctx context.Context, retentionDays int) (int, error) {
	unlock, err := l.acquireLock(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()
	return l.compactLocked(retentionDays)
}

func (l *Ledger) compactLocked(retentionDays int) (int, error) {
	events, err := l.ReadAll()
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	latest := make(map[string]string)
	for i := range events {
		latest[events[i].ExtensionName] = events[i].EventID
	}

	var kept []Envelope
	for i := range events {
		env := &events[i]
		keep := env.Timestamp.After(cutoff) ||
			latest[env.ExtensionName] == env.EventID ||
			(l.cliVersion != "" && env.CLIVersion == l.cliVersion)
		if keep {
			kept = append(kept, *env)
		}
	}
	dropped := len(events) - len(kept)

	// A file without a trailing newline carries a torn write that the
	// rewrite drops.
	terminated := true
	if data, err := os.ReadFile(l.path); err == nil {
		terminated = len(data) == 0 || data[len(data)-1] == '\n'
	}
	if dropped == 0 && terminated {
		return 0, nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".status_ledger-*.jsonl")
	if err != nil {
		return 0, fmt.Errorf("creating compaction temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	for i := range kept {
		line, err := kept[i].MarshalLine()
		if err != nil {
			tmp.Close()
			return 0, fmt.Errorf("marshaling event: %w", err)
		}
		if _, err := tmp.Write(append(line, '\n')); err != nil {
			tmp.Close()
			return 0, fmt.Errorf("writing compacted ledger: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("syncing compacted ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("closing compacted ledger: %w", err)
	}

	if err := os.Rename(tmpName, l.path); err != nil {
		return 0, fmt.Errorf("replacing ledger: %w", err)
	}

	l.logger.WithField("dropped", dropped).WithField("kept", len(kept)).
		Info("compacted status ledger")
	return dropped, nil
}

// Export serializes all events as a JSON array to the given path.
func (l *Ledger) Export(path string) error {
	events, err := l.ReadAll()
	if err != nil {
		return err
	}
	if events == nil {
		events = []Envelope{}
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling export: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("writing export: %w", err)
	}
	return nil
}

func (l *Ledger) countEvents() (int, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return bytes.Count(data, []byte{'\n'}), nil
}
