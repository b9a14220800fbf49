package ipc

import (
	"time"

	"fringe/internal/events"
	"fringe/internal/queue"
)

// StartRequest triggers daemon pipeline startup.
type StartRequest struct{}

// StartResponse indicates whether the daemon was started.
type StartResponse struct {
	Started bool   `json:"started"`
	Message string `json:"message"`
}

// StopRequest stops daemon pipeline processing.
type StopRequest struct{}

// StopResponse indicates stop result.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// Check mirrors one readiness check result.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// Tool mirrors the converter availability probe.
type Tool struct {
	Command   string `json:"command"`
	Available bool   `json:"available"`
	Detail    string `json:"detail"`
}

// StatusResponse represents combined daemon and pipeline status.
type StatusResponse struct {
	Running      bool                `json:"running"`
	PID          int                 `json:"pid"`
	StartedAt    time.Time           `json:"started_at"`
	Workers      int                 `json:"workers"`
	Health       QueueHealthResponse `json:"health"`
	Converter    Tool                `json:"converter"`
	Checks       []Check             `json:"checks"`
	DatabasePath string              `json:"database_path"`
	LockPath     string              `json:"lock_path"`
	SocketPath   string              `json:"socket_path"`
	LogPath      string              `json:"log_path"`
	MetricsAddr  string              `json:"metrics_addr,omitempty"`
}

// Group mirrors an observation group row.
type Group struct {
	ID            int64      `json:"id"`
	GroupKey      string     `json:"group_key"`
	AnchorTime    time.Time  `json:"anchor_time"`
	Status        string     `json:"status"`
	ExpectedCount int        `json:"expected_count"`
	MemberCount   int        `json:"member_count"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Fragment mirrors an indexed subband file.
type Fragment struct {
	ID          int64     `json:"id"`
	CaptureTime time.Time `json:"capture_time"`
	Ordinal     int       `json:"ordinal"`
	Path        string    `json:"path"`
	ByteSize    int64     `json:"byte_size"`
	DecDegrees  *float64  `json:"dec_degrees,omitempty"`
	ObservedAt  time.Time `json:"observed_at"`
}

// Job mirrors a conversion job row.
type Job struct {
	ID             int64      `json:"id"`
	IdempotencyKey string     `json:"idempotency_key"`
	GroupKey       string     `json:"group_key"`
	State          string     `json:"state"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"max_attempts"`
	LeaseOwner     string     `json:"lease_owner,omitempty"`
	NextEligibleAt *time.Time `json:"next_eligible_at,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	ResolutionNote string     `json:"resolution_note,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// Product mirrors a registry row.
type Product struct {
	ID           int64      `json:"id"`
	Fingerprint  string     `json:"fingerprint"`
	GroupKey     string     `json:"group_key"`
	JobID        *int64     `json:"job_id,omitempty"`
	ArtifactPath string     `json:"artifact_path"`
	ByteSize     int64      `json:"byte_size"`
	Checksum     string     `json:"checksum,omitempty"`
	Provenance   string     `json:"provenance"`
	Stored       bool       `json:"stored"`
	MissingSince *time.Time `json:"missing_since,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Anomaly mirrors a recorded integrity finding.
type Anomaly struct {
	ID         int64      `json:"id"`
	Scope      string     `json:"scope"`
	Subject    string     `json:"subject"`
	Kind       string     `json:"kind"`
	Detail     string     `json:"detail"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Event aliases the bus event; it is already wire-tagged.
type Event = events.Event

// GroupListRequest filters group listing by status.
type GroupListRequest struct {
	Statuses []string `json:"statuses"`
}

// GroupListResponse contains observation groups.
type GroupListResponse struct {
	Groups []Group `json:"groups"`
}

// GroupDescribeRequest fetches a single group with its members.
type GroupDescribeRequest struct {
	GroupKey string `json:"group_key"`
}

// GroupDescribeResponse contains a group and its member fragments.
type GroupDescribeResponse struct {
	Group     Group      `json:"group"`
	Fragments []Fragment `json:"fragments"`
}

// JobListRequest filters job listing by state.
type JobListRequest struct {
	States []string `json:"states"`
}

// JobListResponse contains conversion jobs.
type JobListResponse struct {
	Jobs []Job `json:"jobs"`
}

// DeadLettersRequest lists unresolved dead-lettered jobs.
type DeadLettersRequest struct{}

// DeadLettersResponse contains dead-lettered jobs.
type DeadLettersResponse struct {
	Jobs []Job `json:"jobs"`
}

// ResolveDeadLetterRequest resolves one dead-lettered job.
type ResolveDeadLetterRequest struct {
	ID      int64  `json:"id"`
	Note    string `json:"note"`
	Requeue bool   `json:"requeue"`
}

// ResolveDeadLetterResponse returns the resolved (or requeued) job.
type ResolveDeadLetterResponse struct {
	Job Job `json:"job"`
}

// ObserveRequest records one fragment arrival by hand.
type ObserveRequest struct {
	Path       string   `json:"path"`
	DecDegrees *float64 `json:"dec_degrees,omitempty"`
}

// ObserveResponse reports the indexed fragment.
type ObserveResponse struct {
	Fragment Fragment `json:"fragment"`
	Created  bool     `json:"created"`
}

// ProductListRequest lists registry rows.
type ProductListRequest struct {
	MissingOnly bool `json:"missing_only"`
}

// ProductListResponse contains registry rows.
type ProductListResponse struct {
	Products []Product `json:"products"`
}

// ProductRetireRequest removes one registry row by fingerprint.
type ProductRetireRequest struct {
	Fingerprint string `json:"fingerprint"`
}

// ProductRetireResponse returns the retired row.
type ProductRetireResponse struct {
	Product Product `json:"product"`
}

// AnomalyListRequest lists integrity findings.
type AnomalyListRequest struct {
	IncludeResolved bool `json:"include_resolved"`
}

// AnomalyListResponse contains integrity findings.
type AnomalyListResponse struct {
	Anomalies []Anomaly `json:"anomalies"`
}

// AnomalyResolveRequest acknowledges one finding.
type AnomalyResolveRequest struct {
	ID int64 `json:"id"`
}

// AnomalyResolveResponse reports whether the finding was open.
type AnomalyResolveResponse struct {
	Resolved bool `json:"resolved"`
}

// SweepRequest triggers an immediate reconciliation sweep.
type SweepRequest struct{}

// SweepResponse carries the sweep report.
type SweepResponse struct {
	ArtifactsSeen int   `json:"artifacts_seen"`
	Registered    int   `json:"registered"`
	Healed        int   `json:"healed"`
	Orphans       int   `json:"orphans"`
	Dangling      int   `json:"dangling"`
	PrunedJobs    int64 `json:"pruned_jobs"`
	FreeBytes     int64 `json:"free_bytes"`
}

// EventsRequest fetches events after a cursor, optionally long-polling.
type EventsRequest struct {
	Since      uint64 `json:"since"`
	Limit      int    `json:"limit"`
	WaitMillis int    `json:"wait_millis"`
}

// EventsResponse returns events and the next cursor.
type EventsResponse struct {
	Events []Event `json:"events"`
	Next   uint64  `json:"next"`
}

// EventHistoryRequest replays recent events from the archive.
type EventHistoryRequest struct {
	Limit int `json:"limit"`
}

// EventHistoryResponse contains archived events, oldest first.
type EventHistoryResponse struct {
	Events []Event `json:"events"`
}

// QueueHealthRequest fetches aggregate diagnostics.
type QueueHealthRequest struct{}

// QueueHealthResponse reports pipeline counters.
type QueueHealthResponse struct {
	JobsTotal        int `json:"jobs_total"`
	JobsPending      int `json:"jobs_pending"`
	JobsInFlight     int `json:"jobs_in_flight"`
	JobsRetrying     int `json:"jobs_retrying"`
	JobsCompleted    int `json:"jobs_completed"`
	JobsDeadLettered int `json:"jobs_dead_lettered"`
	GroupsOpen       int `json:"groups_open"`
	GroupsComplete   int `json:"groups_complete"`
	GroupsStale      int `json:"groups_stale"`
	Fragments        int `json:"fragments"`
	Unassigned       int `json:"unassigned"`
	Products         int `json:"products"`
	AnomaliesOpen    int `json:"anomalies_open"`
}

// DatabaseHealthRequest fetches detailed database diagnostics.
type DatabaseHealthRequest struct{}

// DatabaseHealthResponse reports database health information.
type DatabaseHealthResponse struct {
	DBPath           string   `json:"db_path"`
	DatabaseExists   bool     `json:"database_exists"`
	DatabaseReadable bool     `json:"database_readable"`
	SchemaVersion    string   `json:"schema_version"`
	TablesPresent    []string `json:"tables_present"`
	MissingTables    []string `json:"missing_tables"`
	IntegrityCheck   bool     `json:"integrity_check"`
	TotalJobs        int      `json:"total_jobs"`
	Error            string   `json:"error"`
}

// TestAlertRequest triggers a webhook delivery test.
type TestAlertRequest struct{}

// TestAlertResponse reports alert test outcome.
type TestAlertResponse struct {
	Sent    bool   `json:"sent"`
	Message string `json:"message"`
}

func fromGroup(g *queue.Group) Group {
	return Group{
		ID:            g.ID,
		GroupKey:      g.GroupKey,
		AnchorTime:    g.AnchorTime,
		Status:        string(g.Status),
		ExpectedCount: g.ExpectedCount,
		MemberCount:   g.MemberCount,
		CreatedAt:     g.CreatedAt,
		UpdatedAt:     g.UpdatedAt,
		CompletedAt:   g.CompletedAt,
	}
}

func fromFragment(f *queue.Fragment) Fragment {
	return Fragment{
		ID:          f.ID,
		CaptureTime: f.CaptureTime,
		Ordinal:     f.Ordinal,
		Path:        f.Path,
		ByteSize:    f.ByteSize,
		DecDegrees:  f.DecDegrees,
		ObservedAt:  f.ObservedAt,
	}
}

func fromJob(j *queue.Job) Job {
	return Job{
		ID:             j.ID,
		IdempotencyKey: j.IdempotencyKey,
		GroupKey:       j.GroupKey,
		State:          string(j.State),
		Attempts:       j.Attempts,
		MaxAttempts:    j.MaxAttempts,
		LeaseOwner:     j.LeaseOwner,
		NextEligibleAt: j.NextEligibleAt,
		ErrorMessage:   j.ErrorMessage,
		ResolutionNote: j.ResolutionNote,
		ResolvedAt:     j.ResolvedAt,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
		StartedAt:      j.StartedAt,
		FinishedAt:     j.FinishedAt,
	}
}

func fromProduct(p *queue.Product) Product {
	return Product{
		ID:           p.ID,
		Fingerprint:  p.Fingerprint,
		GroupKey:     p.GroupKey,
		JobID:        p.JobID,
		ArtifactPath: p.ArtifactPath,
		ByteSize:     p.ByteSize,
		Checksum:     p.Checksum,
		Provenance:   string(p.Provenance),
		Stored:       p.Stored,
		MissingSince: p.MissingSince,
		CreatedAt:    p.CreatedAt,
	}
}

func fromAnomaly(a *queue.Anomaly) Anomaly {
	return Anomaly{
		ID:         a.ID,
		Scope:      string(a.Scope),
		Subject:    a.Subject,
		Kind:       string(a.Kind),
		Detail:     a.Detail,
		CreatedAt:  a.CreatedAt,
		ResolvedAt: a.ResolvedAt,
	}
}

func fromHealth(h queue.HealthSummary) QueueHealthResponse {
	return QueueHealthResponse{
		JobsTotal:        h.JobsTotal,
		JobsPending:      h.JobsPending,
		JobsInFlight:     h.JobsInFlight,
		JobsRetrying:     h.JobsRetrying,
		JobsCompleted:    h.JobsCompleted,
		JobsDeadLettered: h.JobsDeadLettered,
		GroupsOpen:       h.GroupsOpen,
		GroupsComplete:   h.GroupsComplete,
		GroupsStale:      h.GroupsStale,
		Fragments:        h.Fragments,
		Unassigned:       h.Unassigned,
		Products:         h.Products,
		AnomaliesOpen:    h.AnomaliesOpen,
	}
}
