package httpapi

// Config defines HTTP API settings.
type Config struct {
	Addr     string
	BasePath string
	// ReplayEvents bounds the per-file event log used for Last-Event-ID replay.
	ReplayEvents int
	// DisableAuditTrails drops per-request info logs.
	DisableAuditTrails bool
}
