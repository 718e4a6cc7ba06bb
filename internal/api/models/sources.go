package models

// SetSourceStatusRequest is the request body for PUT /v1/sources/{name}/status.
type SetSourceStatusRequest struct {
	Active *bool `json:"active"`
}

// SourceActionResponse acknowledges a source administration action.
type SourceActionResponse struct {
	Source string `json:"source"`
	Action string `json:"action"`
}

// PurgeResponse reports how many cache entries a purge removed.
type PurgeResponse struct {
	Pattern string `json:"pattern"`
	Deleted int    `json:"deleted"`
}
