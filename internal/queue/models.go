package queue

import (
	"strings"
	"time"
)

// State represents the lifecycle of a conversion job.
type State string

const (
	StatePending      State = "pending"
	StateLeased       State = "leased"
	StateRunning      State = "running"
	StateCompleted    State = "completed"
	StateRetrying     State = "retrying"
	StateDeadLettered State = "dead_lettered"
)

var allStates = []State{
	StatePending,
	StateLeased,
	StateRunning,
	StateCompleted,
	StateRetrying,
	StateDeadLettered,
}

var stateSet = func() map[State]struct{} {
	set := make(map[State]struct{}, len(allStates))
	for _, state := range allStates {
		set[state] = struct{}{}
	}
	return set
}()

// AllStates returns the ordered list of known job states.
func AllStates() []State {
	cp := make([]State, len(allStates))
	copy(cp, allStates)
	return cp
}

// ParseState converts a string into a known State.
func ParseState(value string) (State, bool) {
	normalized := State(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := stateSet[normalized]
	return normalized, ok
}

// Terminal reports whether a job in this state will never run again.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateDeadLettered
}

// InFlight reports whether a worker currently holds the job.
func (s State) InFlight() bool {
	return s == StateLeased || s == StateRunning
}

// GroupStatus represents the lifecycle of an observation group.
type GroupStatus string

const (
	GroupOpen     GroupStatus = "open"
	GroupComplete GroupStatus = "complete"
	GroupStale    GroupStatus = "stale"
)

var allGroupStatuses = []GroupStatus{GroupOpen, GroupComplete, GroupStale}

// AllGroupStatuses returns the ordered list of known group statuses.
func AllGroupStatuses() []GroupStatus {
	cp := make([]GroupStatus, len(allGroupStatuses))
	copy(cp, allGroupStatuses)
	return cp
}

// ParseGroupStatus converts a string into a known GroupStatus.
func ParseGroupStatus(value string) (GroupStatus, bool) {
	normalized := GroupStatus(strings.ToLower(strings.TrimSpace(value)))
	for _, status := range allGroupStatuses {
		if status == normalized {
			return normalized, true
		}
	}
	return "", false
}

// AnomalyScope identifies what an anomaly is filed against.
type AnomalyScope string

const (
	// ScopeGroup anomalies are filed against an observation group key and
	// block that group's completeness while unresolved.
	ScopeGroup AnomalyScope = "group"
	// ScopeArtifact anomalies are filed against an artifact path on disk.
	ScopeArtifact AnomalyScope = "artifact"
	// ScopeRegistry anomalies are filed against a product fingerprint.
	ScopeRegistry AnomalyScope = "registry"
)

// AnomalyKind classifies a data integrity finding.
type AnomalyKind string

const (
	// AnomalyDuplicateOrdinal marks two group members claiming the same subband.
	AnomalyDuplicateOrdinal AnomalyKind = "duplicate_ordinal"
	// AnomalyImpossibleOrdinal marks a member whose ordinal exceeds the expected cardinality.
	AnomalyImpossibleOrdinal AnomalyKind = "impossible_ordinal"
	// AnomalyCardinalityExceeded marks a group holding more members than a complete capture.
	AnomalyCardinalityExceeded AnomalyKind = "cardinality_exceeded"
	// AnomalyMissingReference marks a stale group that never received its reference subband.
	AnomalyMissingReference AnomalyKind = "missing_reference"
	// AnomalyOrphanArtifact marks an on-disk artifact whose identity could not
	// be recomputed and validated for re-registration.
	AnomalyOrphanArtifact AnomalyKind = "orphan_artifact"
	// AnomalyDanglingRecord marks a registry row whose artifact vanished.
	AnomalyDanglingRecord AnomalyKind = "dangling_record"
)

// Provenance records how a product row last entered the registry.
type Provenance string

const (
	// ProvenanceConverted rows were written by a witnessed job completion.
	ProvenanceConverted Provenance = "converted"
	// ProvenanceReconciled rows were vouched by the sweeper from on-disk state.
	ProvenanceReconciled Provenance = "reconciled"
)

// Fragment is one indexed raw arrival.
type Fragment struct {
	ID          int64
	CaptureTime time.Time
	Ordinal     int
	Path        string
	ByteSize    int64
	DecDegrees  *float64
	GroupID     *int64
	ObservedAt  time.Time
}

// FragmentArrival describes a fragment observation prior to indexing.
type FragmentArrival struct {
	CaptureTime time.Time
	Ordinal     int
	Path        string
	ByteSize    int64
	DecDegrees  *float64
}

// Group is an observation group assembled from fragments within the jitter
// tolerance of its anchor timestamp.
type Group struct {
	ID            int64
	GroupKey      string
	AnchorTime    time.Time
	Status        GroupStatus
	ExpectedCount int
	MemberCount   int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// Job is a durable conversion job.
type Job struct {
	ID             int64
	IdempotencyKey string
	GroupKey       string
	State          State
	Attempts       int
	MaxAttempts    int
	PayloadJSON    string
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	LeaseSeconds   int
	NextEligibleAt *time.Time
	LastHeartbeat  *time.Time
	ErrorMessage   string
	ResolutionNote string
	ResolvedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
}

// Payload decodes the job's conversion payload.
func (j *Job) Payload() (ConversionPayload, error) {
	return DecodePayload(j.PayloadJSON)
}

// ConversionResult captures the artifact produced by a successful conversion.
type ConversionResult struct {
	ArtifactPath string
	ByteSize     int64
	Checksum     string
	DecDegrees   *float64
}

// Product is a registry row for a produced artifact. Fingerprint equals the
// idempotency key of the job that produced it.
type Product struct {
	ID           int64
	Fingerprint  string
	GroupKey     string
	JobID        *int64
	ArtifactPath string
	ByteSize     int64
	Checksum     string
	DecDegrees   *float64
	Provenance   Provenance
	Stored       bool
	MissingSince *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Anomaly records a data integrity finding. Unresolved group-scoped anomalies
// block their group from reaching Complete.
type Anomaly struct {
	ID         int64
	Scope      AnomalyScope
	Subject    string
	Kind       AnomalyKind
	Detail     string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// HealthSummary aggregates pipeline state for diagnostic output.
type HealthSummary struct {
	JobsTotal        int
	JobsPending      int
	JobsInFlight     int
	JobsRetrying     int
	JobsCompleted    int
	JobsDeadLettered int
	GroupsOpen       int
	GroupsComplete   int
	GroupsStale      int
	Fragments        int
	Unassigned       int
	Products         int
	AnomaliesOpen    int
}

// DatabaseHealth captures diagnostic information about the backing database.
type DatabaseHealth struct {
	DBPath           string
	DatabaseExists   bool
	DatabaseReadable bool
	SchemaVersion    string
	TablesPresent    []string
	MissingTables    []string
	IntegrityCheck   bool
	TotalJobs        int
	Error            string
}
