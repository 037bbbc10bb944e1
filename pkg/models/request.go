package models

import "encoding/json"

// InvokeRequest is a single model invocation over the HTTP surface.
type InvokeRequest struct {
	Model      string         `json:"model"`
	Input      string         `json:"input"`
	Args       map[string]any `json:"args,omitempty"`
	TTLSeconds *int           `json:"ttl_seconds,omitempty"`
}

// InvokeResponse carries a successful invocation result.
type InvokeResponse struct {
	Model  string          `json:"model"`
	Result json.RawMessage `json:"result"`
	Cached bool            `json:"cached"`
}

// BatchInvokeRequest invokes the same model over a sequence of inputs.
type BatchInvokeRequest struct {
	Model      string         `json:"model"`
	Inputs     []string       `json:"inputs"`
	Args       map[string]any `json:"args,omitempty"`
	TTLSeconds *int           `json:"ttl_seconds,omitempty"`
}

// BatchItemResponse is one positional result of a batch invocation.
// Exactly one of Result and Error is set.
type BatchItemResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// BatchInvokeResponse carries positional results matching the input order.
type BatchInvokeResponse struct {
	Model   string              `json:"model"`
	Results []BatchItemResponse `json:"results"`
}

// ClearRequest controls cache clearing over the HTTP surface.
type ClearRequest struct {
	All bool `json:"all"`
}

// ClearResponse reports how many entries were removed.
type ClearResponse struct {
	Deleted int64 `json:"deleted"`
}
