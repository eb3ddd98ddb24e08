package model

import (
	"slices"
	"time"
)

// Kind selects the operation a sweep performs.
type Kind string

const (
	KindDiscovery   Kind = "discovery"
	KindHealthCheck Kind = "healthcheck"
)

// Profile is the speed of a sweep.
type Profile string

const (
	ProfileSlow   Profile = "slow"
	ProfileNormal Profile = "normal"
	ProfileFast   Profile = "fast"
)

type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// Params are supplied by the caller of start and kept on the task as is.
type Params struct {
	Kind     Kind     `json:"kind,omitempty"`
	Scope    []string `json:"scope,omitempty"`
	Profile  Profile  `json:"profile,omitempty"`
	MaxHosts int      `json:"max_hosts,omitempty"`
}

func (p Params) Clone() Params {
	p.Scope = slices.Clone(p.Scope)
	return p
}

// Task is the singleton lifecycle record of one generation.
type Task struct {
	ID           string     `json:"id,omitempty"`
	Generation   uint64     `json:"generation"`
	Status       Status     `json:"status"`
	Progress     Progress   `json:"progress"`
	Params       Params     `json:"params"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// Clone returns a deep copy safe to hand out to readers.
func (t Task) Clone() Task {
	t.Params = t.Params.Clone()
	if t.StartedAt != nil {
		v := *t.StartedAt
		t.StartedAt = &v
	}
	if t.EndedAt != nil {
		v := *t.EndedAt
		t.EndedAt = &v
	}
	return t
}
