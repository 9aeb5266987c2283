// Package ledger implements the append-only extension event ledger.
// The ledger file is the single source of truth for extension state:
// every lifecycle transition appends one immutable JSON-line event, and
// all observable state is derived by folding over the event stream.
package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ExtensionState represents the derived state of an extension.
type ExtensionState string

const (
	// StateInstalled indicates the extension is installed and validated.
	StateInstalled ExtensionState = "installed"

	// StateInstalling indicates an install is in progress.
	StateInstalling ExtensionState = "installing"

	// StateUpgrading indicates an upgrade is in progress.
	StateUpgrading ExtensionState = "upgrading"

	// StateRemoving indicates a removal is in progress.
	StateRemoving ExtensionState = "removing"

	// StateFailed indicates the last operation failed.
	StateFailed ExtensionState = "failed"

	// StateOutdated indicates a newer compatible version is available.
	StateOutdated ExtensionState = "outdated"

	// StateNotPresent indicates the extension has no events in the ledger
	// or was removed.
	StateNotPresent ExtensionState = "not_present"
)

// IsTransitional returns true if the state represents an in-flight operation.
func (s ExtensionState) IsTransitional() bool {
	return s == StateInstalling || s == StateUpgrading || s == StateRemoving
}

// Validate checks if the extension state is valid.
func (s ExtensionState) Validate() error {
	switch s {
	case StateInstalled, StateInstalling, StateUpgrading, StateRemoving,
		StateFailed, StateOutdated, StateNotPresent:
		return nil
	default:
		return fmt.Errorf("invalid extension state: %s", s)
	}
}

// EventType is the tag of a ledger event payload.
type EventType string

const (
	EventInstallStarted      EventType = "install_started"
	EventInstallCompleted    EventType = "install_completed"
	EventInstallFailed       EventType = "install_failed"
	EventUpgradeStarted      EventType = "upgrade_started"
	EventUpgradeCompleted    EventType = "upgrade_completed"
	EventUpgradeFailed       EventType = "upgrade_failed"
	EventRemoveStarted       EventType = "remove_started"
	EventRemoveCompleted     EventType = "remove_completed"
	EventRemoveFailed        EventType = "remove_failed"
	EventValidationSucceeded EventType = "validation_succeeded"
	EventValidationFailed    EventType = "validation_failed"
	EventOutdatedDetected    EventType = "outdated_detected"
)

// Validate checks if the event type is valid.
func (t EventType) Validate() error {
	switch t {
	case EventInstallStarted, EventInstallCompleted, EventInstallFailed,
		EventUpgradeStarted, EventUpgradeCompleted, EventUpgradeFailed,
		EventRemoveStarted, EventRemoveCompleted, EventRemoveFailed,
		EventValidationSucceeded, EventValidationFailed, EventOutdatedDetected:
		return nil
	default:
		return fmt.Errorf("invalid event type: %s", t)
	}
}

// IsFailure returns true for *_failed event types.
func (t EventType) IsFailure() bool {
	return t == EventInstallFailed || t == EventUpgradeFailed ||
		t == EventRemoveFailed || t == EventValidationFailed
}

// IsStarted returns true for *_started event types.
func (t EventType) IsStarted() bool {
	return t == EventInstallStarted || t == EventUpgradeStarted || t == EventRemoveStarted
}

// Event is a tagged lifecycle event payload. Fields are populated per
// event type; unused fields are omitted from the serialized form.
type Event struct {
	Type EventType `json:"type"`

	ExtensionName string `json:"extension_name"`

	// Install and remove events.
	Version       string `json:"version,omitempty"`
	Source        string `json:"source,omitempty"`
	InstallMethod string `json:"install_method,omitempty"`

	// Upgrade events.
	FromVersion string `json:"from_version,omitempty"`
	ToVersion   string `json:"to_version,omitempty"`

	// Outdated detection.
	CurrentVersion string `json:"current_version,omitempty"`
	LatestVersion  string `json:"latest_version,omitempty"`

	// Validation events.
	ValidationType string `json:"validation_type,omitempty"`

	// Completion and failure metadata.
	DurationSecs        float64  `json:"duration_secs,omitempty"`
	ComponentsInstalled []string `json:"components_installed,omitempty"`
	LogFile             string   `json:"log_file,omitempty"`
	ErrorMessage        string   `json:"error_message,omitempty"`
	RetryCount          int      `json:"retry_count,omitempty"`
}

// Envelope is one immutable ledger record: event identity, the state
// transition it represents, and the tagged payload.
type Envelope struct {
	EventID       string          `json:"event_id"`
	Timestamp     time.Time       `json:"timestamp"`
	ExtensionName string          `json:"extension_name"`
	CLIVersion    string          `json:"cli_version"`
	StateBefore   *ExtensionState `json:"state_before,omitempty"`
	StateAfter    ExtensionState  `json:"state_after"`
	Event         Event           `json:"event"`
}

// NewEnvelope wraps an event payload with identity and transition metadata.
func NewEnvelope(cliVersion string, before *ExtensionState, after ExtensionState, event Event) Envelope {
	return Envelope{
		EventID:       uuid.New().String(),
		Timestamp:     time.Now().UTC(),
		ExtensionName: event.ExtensionName,
		CLIVersion:    cliVersion,
		StateBefore:   before,
		StateAfter:    after,
		Event:         event,
	}
}

// Validate checks structural invariants of the envelope.
func (e *Envelope) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("envelope missing event_id")
	}
	if e.ExtensionName == "" {
		return fmt.Errorf("envelope missing extension_name")
	}
	if err := e.Event.Type.Validate(); err != nil {
		return err
	}
	return e.StateAfter.Validate()
}

// MarshalLine serializes the envelope as a single JSON line without the
// trailing newline.
func (e *Envelope) MarshalLine() ([]byte, error) {
	return json.Marshal(e)
}

// InstalledVersion extracts the version an envelope reports as installed.
// Upgrade events carry it in to_version, all others in version.
func (e *Envelope) InstalledVersion() string {
	switch e.Event.Type {
	case EventUpgradeStarted, EventUpgradeCompleted, EventUpgradeFailed:
		return e.Event.ToVersion
	default:
		return e.Event.Version
	}
}

// NewInstallStarted builds an install_started payload.
func NewInstallStarted(name, version, source, method string) Event {
	return Event{
		Type:          EventInstallStarted,
		ExtensionName: name,
		Version:       version,
		Source:        source,
		InstallMethod: method,
	}
}

// NewInstallCompleted builds an install_completed payload.
func NewInstallCompleted(name, version, method string, durationSecs float64, components []string, logFile string) Event {
	return Event{
		Type:                EventInstallCompleted,
		ExtensionName:       name,
		Version:             version,
		InstallMethod:       method,
		DurationSecs:        durationSecs,
		ComponentsInstalled: components,
		LogFile:             logFile,
	}
}

// NewInstallFailed builds an install_failed payload.
func NewInstallFailed(name, version, errMsg string, durationSecs float64, retryCount int, logFile string) Event {
	return Event{
		Type:          EventInstallFailed,
		ExtensionName: name,
		Version:       version,
		ErrorMessage:  errMsg,
		DurationSecs:  durationSecs,
		RetryCount:    retryCount,
		LogFile:       logFile,
	}
}

// NewUpgradeStarted builds an upgrade_started payload.
func NewUpgradeStarted(name, fromVersion, toVersion string) Event {
	return Event{
		Type:          EventUpgradeStarted,
		ExtensionName: name,
		FromVersion:   fromVersion,
		ToVersion:     toVersion,
	}
}

// NewUpgradeCompleted builds an upgrade_completed payload.
func NewUpgradeCompleted(name, fromVersion, toVersion string, durationSecs float64, logFile string) Event {
	return Event{
		Type:          EventUpgradeCompleted,
		ExtensionName: name,
		FromVersion:   fromVersion,
		ToVersion:     toVersion,
		DurationSecs:  durationSecs,
		LogFile:       logFile,
	}
}

// NewUpgradeFailed builds an upgrade_failed payload.
func NewUpgradeFailed(name, fromVersion, toVersion, errMsg string, durationSecs float64) Event {
	return Event{
		Type:          EventUpgradeFailed,
		ExtensionName: name,
		FromVersion:   fromVersion,
		ToVersion:     toVersion,
		ErrorMessage:  errMsg,
		DurationSecs:  durationSecs,
	}
}

// NewRemoveStarted builds a remove_started payload.
func NewRemoveStarted(name, version string) Event {
	return Event{
		Type:          EventRemoveStarted,
		ExtensionName: name,
		Version:       version,
	}
}

// NewRemoveCompleted builds a remove_completed payload.
func NewRemoveCompleted(name, version string, durationSecs float64) Event {
	return Event{
		Type:          EventRemoveCompleted,
		ExtensionName: name,
		Version:       version,
		DurationSecs:  durationSecs,
	}
}

// NewRemoveFailed builds a remove_failed payload.
func NewRemoveFailed(name, version, errMsg string, durationSecs float64) Event {
	return Event{
		Type:          EventRemoveFailed,
		ExtensionName: name,
		Version:       version,
		ErrorMessage:  errMsg,
		DurationSecs:  durationSecs,
	}
}

// NewValidationSucceeded builds a validation_succeeded payload.
func NewValidationSucceeded(name, validationType string) Event {
	return Event{
		Type:           EventValidationSucceeded,
		ExtensionName:  name,
		ValidationType: validationType,
	}
}

// NewValidationFailed builds a validation_failed payload.
func NewValidationFailed(name, validationType, errMsg string) Event {
	return Event{
		Type:           EventValidationFailed,
		ExtensionName:  name,
		ValidationType: validationType,
		ErrorMessage:   errMsg,
	}
}

// NewOutdatedDetected builds an outdated_detected payload.
func NewOutdatedDetected(name, currentVersion, latestVersion string) Event {
	return Event{
		Type:           EventOutdatedDetected,
		ExtensionName:  name,
		CurrentVersion: currentVersion,
		LatestVersion:  latestVersion,
	}
}
