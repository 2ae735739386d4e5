package entity

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Family is a product category with its own queue, price table and worker
// credentials.
type Family string

const (
	FamilyCompute Family = "compute"
	FamilyGPU     Family = "gpu"
	FamilyStorage Family = "storage"
)

// Families lists every known family in the order pick scans them.
var Families = []Family{FamilyCompute, FamilyGPU, FamilyStorage}

func ParseFamily(s string) (Family, error) {
	switch Family(strings.ToLower(strings.TrimSpace(s))) {
	case FamilyCompute:
		return FamilyCompute, nil
	case FamilyGPU:
		return FamilyGPU, nil
	case FamilyStorage:
		return FamilyStorage, nil
	}
	return "", fmt.Errorf("unknown family %q", s)
}

type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition may leave this status.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TokenPayload is the body of a signed order token. Field tags are part of
// the wire format; changing them breaks every outstanding token.
type TokenPayload struct {
	Version    int    `json:"v"`
	Kind       Family `json:"kind"`
	Product    string `json:"product"`
	Minutes    int    `json:"minutes"`
	Email      string `json:"email,omitempty"`
	PaymentRef string `json:"payment_ref"`
	Promo      string `json:"promo,omitempty"`
	IssuedAt   int64  `json:"iat"`
	ExpiresAt  int64  `json:"exp"`
}

// Job is the unit handed to a worker. It lives in a family queue only while
// queued; after pick the status record is the source of truth.
type Job struct {
	ID         string          `json:"id"`
	Kind       Family          `json:"kind"`
	SKU        string          `json:"sku"`
	Minutes    int             `json:"minutes"`
	Email      string          `json:"email,omitempty"`
	PaymentRef string          `json:"payment_ref,omitempty"`
	Spec       json.RawMessage `json:"spec,omitempty"`
	QueuedAt   int64           `json:"queued_at"`
}

// StatusRecord is the mutable, TTL'd record keyed by job id. Writes are
// shallow overlays: zero-valued fields in a patch leave the stored value
// untouched (every field is omitempty for that reason).
type StatusRecord struct {
	ID         string    `json:"id,omitempty"`
	Kind       Family    `json:"kind,omitempty"`
	Status     JobStatus `json:"status,omitempty"`
	Message    string    `json:"message,omitempty"`
	SKU        string    `json:"sku,omitempty"`
	Minutes    int       `json:"minutes,omitempty"`
	Email      string    `json:"email,omitempty"`
	LogURL     string    `json:"log_url,omitempty"`
	QueuedAt   int64     `json:"queued_at,omitempty"`
	StartedAt  int64     `json:"started_at,omitempty"`
	FinishedAt int64     `json:"finished_at,omitempty"`
}
