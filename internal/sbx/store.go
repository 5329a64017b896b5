package sbx

import (
	"errors"
	"strings"
	"time"
)

// Sentinel errors for registry operations.
var (
	ErrNotFound   = errors.New("sandbox not found")
	ErrNotRunning = errors.New("sandbox not running")
)

// Record is the durable registry entry for one sandbox. The container id is
// immutable once set; status only changes through orchestration.
type Record struct {
	ID          string            `json:"id"`
	UserID      string            `json:"userId"`
	Name        string            `json:"name"`
	Image       string            `json:"image"`
	Status      Status            `json:"status"`
	ContainerID string            `json:"containerId"`
	URLs        map[string]string `json:"urls"`
	Labels      map[string]string `json:"labels"`
	CreatedAt   time.Time         `json:"createdAt"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
}

// Filter narrows List. All set predicates AND together.
type Filter struct {
	Statuses      []Status
	Name          string
	Labels        map[string]string
	CreatedAfter  time.Time
	CreatedBefore time.Time
}

// Matches reports whether rec satisfies every set predicate.
func (f Filter) Matches(rec *Record) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, st := range f.Statuses {
			if rec.Status == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Name != "" && !containsFold(rec.Name, f.Name) {
		return false
	}
	for k, v := range f.Labels {
		if rec.Labels[k] != v {
			return false
		}
	}
	if !f.CreatedAfter.IsZero() && rec.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && rec.CreatedAt.After(f.CreatedBefore) {
		return false
	}
	return true
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// Store is the durable sandbox registry.
type Store interface {
	CreateSandbox(rec *Record) error
	// GetSandbox returns ErrNotFound when id is absent.
	GetSandbox(id string) (*Record, error)
	ListSandboxRecords() ([]*Record, error)
	UpdateSandboxStatus(id string, status Status) error
	SetSandboxStarted(id string, at time.Time) error
	DeleteSandboxRecord(id string) error
}
