package store

import (
	"encoding/json"
	"time"
)

// Document is a persisted replicated document. Raw is the full encoded
// update; Content is its JSON rendering, kept for reads that do not need to
// decode the update.
type Document struct {
	ID        string
	Title     string
	Raw       []byte
	Content   json.RawMessage
	UpdatedAt time.Time
}

type DocumentSummary struct {
	ID        string
	Title     string
	UpdatedAt time.Time
}
