package types

import (
	"fmt"
	"time"
)

// LessonType classifies the experiential character of an episode.
type LessonType string

// Recognized lesson types.
const (
	LessonSuccess    LessonType = "success"
	LessonFailure    LessonType = "failure"
	LessonPattern    LessonType = "pattern"
	LessonWorkaround LessonType = "workaround"
	LessonInsight    LessonType = "insight"
)

// Valid reports whether t is one of the recognized lesson types.
func (t LessonType) Valid() bool {
	switch t {
	case LessonSuccess, LessonFailure, LessonPattern, LessonWorkaround, LessonInsight:
		return true
	}
	return false
}

// Episode is an experiential lesson: what happened, what was done, and what
// was learned. Episodes are immutable once accepted — correcting one means
// adding a new, higher-quality episode, never mutating in place.
type Episode struct {
	ID         string     `json:"id"`
	Scope      Scope      `json:"scope"`
	Title      string     `json:"title"`
	Content    string     `json:"content"` // situation / action / outcome / lesson
	LessonType LessonType `json:"lesson_type"`
	Quality    float64    `json:"quality"` // 0.0 - 1.0
	CreatedAt  time.Time  `json:"created_at"`
}

// Validate checks the enum and range constraints for an episode write.
func (e *Episode) Validate() error {
	if !e.Scope.Valid() {
		return fmt.Errorf("invalid scope %q", e.Scope)
	}
	if e.Title == "" {
		return fmt.Errorf("title is required")
	}
	if e.Content == "" {
		return fmt.Errorf("content is required")
	}
	if !e.LessonType.Valid() {
		return fmt.Errorf("invalid lesson_type %q", e.LessonType)
	}
	if e.Quality < 0.0 || e.Quality > 1.0 {
		return fmt.Errorf("quality %.3f outside [0,1]", e.Quality)
	}
	return nil
}
