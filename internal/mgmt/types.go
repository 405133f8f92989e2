// Package mgmt provides the management API for the research pipeline:
// session lifecycle, the approval gate, and operational endpoints.
package mgmt

// StartSessionRequest is the payload for POST /api/v1/sessions.
type StartSessionRequest struct {
	Domain string `json:"domain"`
}

// ResumeSessionRequest is the payload for POST /api/v1/sessions/resume.
type ResumeSessionRequest struct {
	SessionID string `json:"session_id"`
	Domain    string `json:"domain"`
}

// RejectRequest is the payload for POST /api/v1/sessions/current/reject.
type RejectRequest struct {
	Abort bool `json:"abort,omitempty"`
}

// ConfigResponse is the response for GET /api/v1/config.
type ConfigResponse struct {
	Environment    string `json:"environment"`
	LogLevel       string `json:"log_level"`
	MgmtListenAddr string `json:"mgmt_listen_addr"`
	AuthMode       string `json:"auth_mode"`
	RateLimitRPS   int    `json:"rate_limit_rps"`
	RateLimitBurst int    `json:"rate_limit_burst"`
	CacheWindow    int    `json:"cache_window"`
	ScrapeMaxPages int    `json:"scrape_max_pages"`
}

// ConfigPatchRequest is the payload for PATCH /api/v1/config.
type ConfigPatchRequest struct {
	LogLevel *string `json:"log_level,omitempty"`
}

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}
