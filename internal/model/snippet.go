// Package model defines the data structures used throughout the application.
// In Go, we use structs to represent our data — similar to classes in other languages,
// but without inheritance. Go favours composition over inheritance.
package model

import (
	"encoding/json"
	"time"
)

// Snippet represents a saved piece of lab code.
// The `json:"..."` tags tell Go's encoding/json package how to serialize/deserialize
// this struct to/from JSON. This is called a "struct tag" — metadata attached to fields.
//
// Language is the tag the execution API dispatches on ("javascript", "python", ...).
// Snippets may carry tags the runner does not execute: the visualizer also
// stores non-runnable examples.
//
// WHY Meta json.RawMessage?
// Meta is a free-form JSON object owned by the client (editor state, stage
// annotations, titles). json.RawMessage stores the bytes as-is instead of
// decoding them into a Go structure we would then have to keep in sync with
// the frontend.
type Snippet struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId,omitempty"` // empty for anonymous snippets
	Language  string          `json:"language"`
	Code      string          `json:"code"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}
