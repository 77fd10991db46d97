package config

// DefaultGenericErrorMessage is shown to clients in place of internal
// error detail.
const DefaultGenericErrorMessage = "Something broke on our side. We've logged it. Share the incident ID with support."

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled: true,
		Capture: CaptureConfig{
			Panics:         true,
			Responses5xx:   true,
			Stacktrace:     true,
			StatusCodes:    []StatusRule{{From: 500, To: 599}},
			SampleRate:     1.0,
			WindowSeconds:  300,
			IncidentPrefix: "INCIDENT",
		},
		Response: ResponseConfig{
			AddRequestIDHeader:      true,
			AddIncidentIDHeader:     true,
			ExposeJSONErrorBody:     true,
			IncludeIncidentIDInBody: true,
			GenericErrorMessage:     DefaultGenericErrorMessage,
		},
		Redaction: RedactionConfig{
			Enabled:      true,
			Headers:      []string{"authorization", "cookie", "set-cookie", "x-api-key"},
			Fields:       []string{"password", "token", "access_token", "refresh_token", "secret", "otp"},
			Mask:         "[REDACTED]",
			MaxBodyBytes: 2048,
			BodyContentTypes: []string{
				"application/json",
				"application/x-www-form-urlencoded",
				"multipart/form-data",
			},
		},
		Activity: ActivityConfig{
			Enabled:          true,
			SampleRate:       1.0,
			MaxResponseBytes: 4096,
		},
		Fallback: FallbackConfig{
			Enabled: true,
			Path:    "blackbox_fallback.log",
		},
		Server: ServerConfig{
			Port:    8490,
			DataDir: ".blackbox",
		},
		Log: LogConfig{
			Level: "info",
		},
		RetentionDays: 90,
	}
}
