package models

import (
	"strings"
	"time"
)

// Auth types for a Connection. The auth type decides which header the
// gateway attaches to outbound requests.
const (
	AuthTypePAT   = "pat"
	AuthTypeOAuth = "oauth"
)

// Connection binds one local user to one remote host with a credential.
// Token material is stored as ciphertext only; plaintext tokens never
// touch the database or the logs.
type Connection struct {
	ID                     int64      `json:"id"`
	UserID                 int64      `json:"user_id"`
	Host                   string     `json:"host"`
	AuthType               string     `json:"auth_type"` // "pat" or "oauth"
	TokenCiphertext        string     `json:"-"`
	RefreshTokenCiphertext string     `json:"-"`
	OAuthClientID          string     `json:"oauth_client_id,omitempty"`
	OAuthClientSecret      string     `json:"-"`
	TokenExpiresAt         *time.Time `json:"token_expires_at,omitempty"`
	LastRefreshAt          *time.Time `json:"last_refresh_at,omitempty"`
	Active                 bool       `json:"active"`
	UsageCount             int64      `json:"usage_count"`
	LastError              string     `json:"last_error,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// Project mirrors one remote project. RemoteID is the remote host's
// project identifier and is unique locally.
type Project struct {
	ID               int64      `json:"id"`
	ConnectionID     int64      `json:"connection_id"`
	RemoteID         string     `json:"remote_id"`
	Name             string     `json:"name"`
	WebURL           string     `json:"web_url"`
	DefaultBranch    string     `json:"default_branch"`
	Active           bool       `json:"active"`
	WebhookID        *int64     `json:"webhook_id,omitempty"`
	WebhookSecret    string     `json:"-"`
	MembersSyncedAt  *time.Time `json:"members_synced_at,omitempty"`
	BranchesSyncedAt *time.Time `json:"branches_synced_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// ProjectMember mirrors one remote project membership, keyed by
// (project_id, remote_user_id).
type ProjectMember struct {
	ProjectID    int64     `json:"project_id"`
	RemoteUserID int64     `json:"remote_user_id"`
	Username     string    `json:"username"`
	Name         string    `json:"name"`
	AccessLevel  int       `json:"access_level"`
	SyncedAt     time.Time `json:"synced_at"`
}

// ProjectBranch mirrors one remote branch, keyed by (project_id, name).
type ProjectBranch struct {
	ProjectID int64     `json:"project_id"`
	Name      string    `json:"name"`
	CommitSHA string    `json:"commit_sha"`
	Protected bool      `json:"protected"`
	IsDefault bool      `json:"is_default"`
	SyncedAt  time.Time `json:"synced_at"`
}

// Webhook event types after normalization of the provider's headers.
const (
	EventTypeMergeRequest = "merge_request"
	EventTypePush         = "push"
	EventTypeTagPush      = "tag_push"
	EventTypeNote         = "note"
	EventTypePipeline     = "pipeline"
)

// WebhookEvent is an admitted webhook delivery. Immutable once created
// except for the Processed flag; Payload is opaque JSON downstream.
type WebhookEvent struct {
	ID        int64     `json:"id"`
	ProjectID int64     `json:"project_id"`
	EventType string    `json:"event_type"`
	Payload   []byte    `json:"-"`
	Processed bool      `json:"processed"`
	CreatedAt time.Time `json:"created_at"`
}

// ReviewConfig holds the per-project trigger policy consulted by the
// event worker.
type ReviewConfig struct {
	ProjectID        int64     `json:"project_id"`
	AutoReview       bool      `json:"auto_review"`
	TriggerLabelsCSV string    `json:"-"`
	TriggerLabels    []string  `json:"trigger_labels,omitempty"`
	MinChangedLines  int       `json:"min_changed_lines"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// MatchesLabel reports whether any of the given labels appears in the
// config's allow-list. Matching is case-insensitive.
func (c *ReviewConfig) MatchesLabel(labels []string) bool {
	if c == nil || len(c.TriggerLabels) == 0 {
		return false
	}
	for _, want := range c.TriggerLabels {
		for _, got := range labels {
			if strings.EqualFold(strings.TrimSpace(want), strings.TrimSpace(got)) {
				return true
			}
		}
	}
	return false
}

// SyncReport summarizes one synchronization pass.
type SyncReport struct {
	Synced  int `json:"synced"`
	Deleted int `json:"deleted"`
}

// RecoveryReport summarizes a consistency-repair pass. Partial failures
// are reflected in the counts rather than failing the whole run.
type RecoveryReport struct {
	Checked        int `json:"checked"`
	Repaired       int `json:"repaired"`
	MembersSynced  int `json:"members_synced"`
	BranchesSynced int `json:"branches_synced"`
	Failed         int `json:"failed"`
}

// ComplianceReport is the administrative posture summary for one
// connection and its projects.
type ComplianceReport struct {
	ConnectionID       int64    `json:"connection_id"`
	HostHTTPS          bool     `json:"host_https"`
	TokenPresent       bool     `json:"token_present"`
	OAuthExpirySet     bool     `json:"oauth_expiry_set"`
	OAuthClientBound   bool     `json:"oauth_client_bound"`
	WebhookSecretFound bool     `json:"webhook_secret_found"`
	Compliant          bool     `json:"compliant"`
	Notes              []string `json:"notes,omitempty"`
}
