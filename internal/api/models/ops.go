package models

// Health represents the health status of the service.
type Health struct {
	Status  HealthStatus   `json:"status"`
	Time    Timestamp      `json:"time"`
	Details map[string]any `json:"details,omitempty"`
}

// SystemStatus represents the overall system status.
type SystemStatus struct {
	Status     HealthStatus      `json:"status"`
	Time       Timestamp         `json:"time"`
	Cache      *CacheStatus      `json:"cache,omitempty"`
	Credential CredentialStatus  `json:"credential"`
	Providers  []ProviderStatus  `json:"providers"`
	Strategies []string          `json:"strategies,omitempty"`
	Subsystems []SubsystemStatus `json:"subsystems,omitempty"`
}

// CacheStatus reports granule cache usage.
type CacheStatus struct {
	Dir      string `json:"dir"`
	Files    int    `json:"files"`
	Bytes    int64  `json:"bytes"`
	MaxBytes int64  `json:"maxBytes"`
}

// CredentialStatus reports the Earthdata token state without revealing it.
type CredentialStatus struct {
	Configured bool       `json:"configured"`
	Subject    string     `json:"subject,omitempty"`
	ExpiresAt  *Timestamp `json:"expiresAt,omitempty"`
	Expired    bool       `json:"expired"`
}

// SubsystemStatus represents the status of a subsystem.
type SubsystemStatus struct {
	Name   string       `json:"name"`
	Status HealthStatus `json:"status"`
	Detail *string      `json:"detail,omitempty"`
}

// ProviderStatus represents the status of an upstream service.
type ProviderStatus struct {
	Provider      string       `json:"provider"`
	Status        HealthStatus `json:"status"`
	CircuitState  string       `json:"circuitState"`
	Requests      uint32       `json:"requests"`
	Failures      uint32       `json:"failures"`
	LastSuccessAt *Timestamp   `json:"lastSuccessAt,omitempty"`
	LastFailureAt *Timestamp   `json:"lastFailureAt,omitempty"`
	Message       *string      `json:"message,omitempty"`
}

// AcquisitionEntry is one acquisition log entry.
type AcquisitionEntry struct {
	ID         string    `json:"id"`
	Pollutant  string    `json:"pollutant"`
	BBox       string    `json:"bbox"`
	Start      Timestamp `json:"start"`
	End        Timestamp `json:"end"`
	Limit      int       `json:"limit"`
	Strategy   string    `json:"strategy"`
	Source     string    `json:"source"`
	Count      int       `json:"count"`
	DurationMS int64     `json:"durationMs"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  Timestamp `json:"createdAt"`
}

// AcquisitionList wraps recent acquisitions.
type AcquisitionList struct {
	Items []AcquisitionEntry `json:"items"`
}
