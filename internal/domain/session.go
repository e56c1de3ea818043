// Package domain contains core domain types for the GigBridge session engine.
package domain

import (
	"time"
)

// Mode identifies the kind of conversational session.
type Mode string

const (
	// ModeApplication is a screening interview for a contractor applying to a task.
	ModeApplication Mode = "interview-application"
	// ModeInquiry is a free-form interview answered from retrieved business context.
	ModeInquiry Mode = "interview-inquiry"
	// ModeChat is the business-operations chat agent.
	ModeChat Mode = "chat"
)

// Valid reports whether m is a known session mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeApplication, ModeInquiry, ModeChat:
		return true
	}
	return false
}

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive                Status = "active"
	StatusAwaitingIntroResponse Status = "awaiting_intro_response"
	StatusCompleted             Status = "completed"
	StatusAbandoned             Status = "abandoned"
	StatusExpired               Status = "expired"
)

// Terminal reports whether the status is a terminal state.
// Terminal states are idempotent to re-enter.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned || s == StatusExpired
}

// Question is one fixed interview question.
type Question struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// Session is one bounded conversational exchange tied to a token and an
// independent wall-clock timer.
type Session struct {
	Token          string        `json:"token"`
	Mode           Mode          `json:"mode"`
	Status         Status        `json:"status"`
	TurnIndex      int           `json:"turn_index"`
	TotalTurns     int           `json:"total_turns"`
	Questions      []Question    `json:"questions,omitempty"`
	Duration       time.Duration `json:"-"`
	VoiceEnabled   bool          `json:"voice_enabled"`
	StartedAt      time.Time     `json:"started_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// CurrentQuestion returns the question for the current turn index, if any.
func (s *Session) CurrentQuestion() (Question, bool) {
	if s.TurnIndex < 0 || s.TurnIndex >= len(s.Questions) {
		return Question{}, false
	}
	return s.Questions[s.TurnIndex], true
}

// Remaining returns the time until the session's wall-clock limit, measured
// from its start. Returns 0 if the limit has already passed.
func (s *Session) Remaining(now time.Time) time.Duration {
	if s.StartedAt.IsZero() {
		return s.Duration
	}
	left := s.StartedAt.Add(s.Duration).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}
