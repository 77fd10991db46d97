package config

import "regexp"

// StatusRule matches a single status code (From == To) or an inclusive
// range of codes.
type StatusRule struct {
	From int `yaml:"from" koanf:"from"`
	To   int `yaml:"to" koanf:"to"`
}

// Matches reports whether the rule covers the given status code.
func (r StatusRule) Matches(code int) bool {
	to := r.To
	if to == 0 {
		to = r.From
	}
	return code >= r.From && code <= to
}

// CaptureConfig controls which failures become incidents.
type CaptureConfig struct {
	Panics         bool         `yaml:"panics" koanf:"panics"`
	Responses5xx   bool         `yaml:"responses_5xx" koanf:"responses_5xx"`
	Stacktrace     bool         `yaml:"stacktrace" koanf:"stacktrace"`
	StatusCodes    []StatusRule `yaml:"status_codes" koanf:"status_codes"`
	IgnorePaths    []string     `yaml:"ignore_paths" koanf:"ignore_paths"`
	IgnoreErrors   []string     `yaml:"ignore_errors" koanf:"ignore_errors"`
	SampleRate     float64      `yaml:"sample_rate" koanf:"sample_rate"`
	WindowSeconds  int          `yaml:"window_seconds" koanf:"window_seconds"`
	IncidentPrefix string       `yaml:"incident_prefix" koanf:"incident_prefix"`
}

// ResponseConfig controls the client-visible error response.
type ResponseConfig struct {
	AddRequestIDHeader      bool   `yaml:"add_request_id_header" koanf:"add_request_id_header"`
	AddIncidentIDHeader     bool   `yaml:"add_incident_id_header" koanf:"add_incident_id_header"`
	ExposeJSONErrorBody     bool   `yaml:"expose_json_error_body" koanf:"expose_json_error_body"`
	IncludeIncidentIDInBody bool   `yaml:"include_incident_id_in_body" koanf:"include_incident_id_in_body"`
	GenericErrorMessage     string `yaml:"generic_error_message" koanf:"generic_error_message"`
	Return400Instead        bool   `yaml:"return_400_instead_of_500" koanf:"return_400_instead_of_500"`
}

// RedactionConfig controls masking of sensitive data before persistence.
type RedactionConfig struct {
	Enabled          bool     `yaml:"enabled" koanf:"enabled"`
	Headers          []string `yaml:"headers" koanf:"headers"`
	Fields           []string `yaml:"fields" koanf:"fields"`
	Mask             string   `yaml:"mask" koanf:"mask"`
	MaxBodyBytes     int      `yaml:"max_body_bytes" koanf:"max_body_bytes"`
	BodyContentTypes []string `yaml:"body_content_types" koanf:"body_content_types"`
}

// ActivityConfig controls the per-request activity log.
type ActivityConfig struct {
	Enabled          bool     `yaml:"enabled" koanf:"enabled"`
	IgnorePaths      []string `yaml:"ignore_paths" koanf:"ignore_paths"`
	SampleRate       float64  `yaml:"sample_rate" koanf:"sample_rate"`
	MaxResponseBytes int      `yaml:"max_response_bytes" koanf:"max_response_bytes"`
}

// FallbackConfig controls the append-only local log used when the store
// is unavailable.
type FallbackConfig struct {
	Enabled bool   `yaml:"enabled" koanf:"enabled"`
	Path    string `yaml:"path" koanf:"path"`
}

// ServerConfig holds settings for the standalone read-API server.
type ServerConfig struct {
	Port     int    `yaml:"port" koanf:"port"`
	DataDir  string `yaml:"data_dir" koanf:"data_dir"`
	AllowAll bool   `yaml:"cors_allow_all" koanf:"cors_allow_all"`
}

// LogConfig holds structured-logging settings.
type LogConfig struct {
	Level string `yaml:"level" koanf:"level"`
}

// Config is the top-level blackbox configuration, corresponding to
// .blackbox.yml.
type Config struct {
	Enabled       bool            `yaml:"enabled" koanf:"enabled"`
	Capture       CaptureConfig   `yaml:"capture" koanf:"capture"`
	Response      ResponseConfig  `yaml:"response" koanf:"response"`
	Redaction     RedactionConfig `yaml:"redaction" koanf:"redaction"`
	Activity      ActivityConfig  `yaml:"activity" koanf:"activity"`
	Fallback      FallbackConfig  `yaml:"fallback" koanf:"fallback"`
	Server        ServerConfig    `yaml:"server" koanf:"server"`
	Log           LogConfig       `yaml:"log" koanf:"log"`
	RetentionDays int             `yaml:"retention_days" koanf:"retention_days"`

	captureIgnore  []*regexp.Regexp
	activityIgnore []*regexp.Regexp
}
