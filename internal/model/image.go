// Package model contains the image record and its processing lifecycle.
package model

import (
	"fmt"
	"time"
)

// Status describes where an image is in the upload/processing lifecycle.
type Status string

const (
	// StatusUploading is the initial state: the original has been accepted
	// and persisted but no variants exist yet.
	StatusUploading Status = "uploading"
	// StatusProcessing means a variant generation attempt is in flight.
	StatusProcessing Status = "processing"
	// StatusReady means every size variant exists in storage.
	StatusReady Status = "ready"
	// StatusError means the last attempt failed; ErrorMessage says why.
	StatusError Status = "error"
)

// transitions is the closed transition table. Anything not listed here is an
// illegal transition and must fail loudly.
var transitions = map[Status][]Status{
	StatusUploading:  {StatusProcessing},
	StatusProcessing: {StatusReady, StatusError},
	// Terminal states are re-enterable only through an explicit reprocess,
	// which resets the record back to uploading.
	StatusReady: {StatusUploading},
	StatusError: {StatusUploading},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusUploading, StatusProcessing, StatusReady, StatusError:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition returns next if the move is legal, or an error naming both states.
func (s Status) Transition(next Status) (Status, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("illegal status transition %s -> %s", s, next)
	}
	return next, nil
}

// ImageRecord is one row in product_images.
type ImageRecord struct {
	ID        int64  `json:"id"`
	ProductID string `json:"productId"`
	Filename  string `json:"filename"`
	// Path is the logical storage path of the original; variant paths are
	// derived from it and never stored.
	Path         string            `json:"path"`
	SortOrder    int               `json:"sortOrder"`
	IsPrimary    bool              `json:"isPrimary"`
	Status       Status            `json:"status"`
	FileSize     int64             `json:"fileSize"`
	MimeType     string            `json:"mimeType,omitempty"`
	Width        int               `json:"width,omitempty"`
	Height       int               `json:"height,omitempty"`
	AltText      string            `json:"altText,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	UploadedAt   time.Time         `json:"uploadedAt"`
	// ProcessedAt is set iff the record has reached ready at least once
	// since the last reset.
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
}

// Product is the owning catalog entity; images cascade on its deletion.
type Product struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}
