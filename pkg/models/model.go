package models

// ModelConfig describes how to call an upstream model endpoint. It is
// resolved fresh from the registry on every dispatch rather than cached
// across calls.
type ModelConfig struct {
	Name        string            `json:"name" yaml:"name"`
	Endpoint    string            `json:"endpoint" yaml:"endpoint"`
	Method      string            `json:"method,omitempty" yaml:"method"`
	ContentType string            `json:"content_type,omitempty" yaml:"content_type"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers"`
	DefaultArgs map[string]any    `json:"default_args,omitempty" yaml:"default_args"`
}
