package domain

import (
	"fmt"
	"strings"
	"time"
)

// CatchUpPolicy governs what happens to scheduled fires missed while the
// process was down.
type CatchUpPolicy string

const (
	CatchUpSkip    CatchUpPolicy = "skip"
	CatchUpRunOnce CatchUpPolicy = "run-once"
	CatchUpReplay  CatchUpPolicy = "replay"
)

// ParseCatchUpPolicy parses a policy name. The empty string maps to run-once.
func ParseCatchUpPolicy(s string) (CatchUpPolicy, error) {
	switch CatchUpPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case CatchUpSkip:
		return CatchUpSkip, nil
	case CatchUpRunOnce, "runonce", "run_once", "":
		return CatchUpRunOnce, nil
	case CatchUpReplay:
		return CatchUpReplay, nil
	}
	return "", fmt.Errorf("unknown catch-up policy %q", s)
}

// Schedule is a registered cron trigger for a definition.
type Schedule struct {
	ID         string        `json:"id"`
	Definition DefinitionRef `json:"definition"`
	Cron       string        `json:"cron"`
	CatchUp    CatchUpPolicy `json:"catch_up"`
	Input      Context       `json:"input,omitempty"`
	// LastFireAt is the last tick the schedule was advanced to. Every tick up
	// to and including it has been handled.
	LastFireAt time.Time `json:"last_fire_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Clone returns a copy of the schedule.
func (s *Schedule) Clone() *Schedule {
	if s == nil {
		return nil
	}
	out := *s
	out.Input = s.Input.Clone()
	return &out
}
