package client

import "time"

// Block is one content block of a row. Blocks of type "code" hold the
// script text in Title.
type Block struct {
	Type  string `json:"type"`
	Title string `json:"title"`
}

// Row is a board record as returned by the API.
type Row struct {
	ID        string         `json:"id"`
	Table     string         `json:"table"`
	Fields    map[string]any `json:"fields"`
	Children  []Block        `json:"children,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// InsertRequest creates a row.
type InsertRequest struct {
	Fields   map[string]any `json:"fields"`
	Children []Block        `json:"children,omitempty"`
}

// Health is the body of /healthz.
type Health struct {
	Status     string `json:"status"`
	Terminated bool   `json:"terminated"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
