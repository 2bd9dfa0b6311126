package models

type RegisterRequest struct {
	Name                  string `json:"name"`
	Image                 string `json:"image"`
	HTTPPort              int    `json:"http_port,omitempty"`
	TCPPort               int    `json:"tcp_port,omitempty"`
	CredentialIntegration bool   `json:"credential_integration"`
}

type ActivateResult struct {
	Application *Application `json:"application"`
	PublicURL   string       `json:"public_url,omitempty"`
	NodePort    int          `json:"node_port,omitempty"`
}

type TerminateResult struct {
	Application *Application `json:"application"`
	Warnings    []string     `json:"warnings,omitempty"`
}

type PoolStatusResponse struct {
	Start     int   `json:"start"`
	End       int   `json:"end"`
	Capacity  int   `json:"capacity"`
	Available int   `json:"available"`
	InUse     []int `json:"in_use"`
	IsLeader  bool  `json:"is_leader"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}
