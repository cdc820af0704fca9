package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 30 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerWriteTimeout    = 30 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Background job intervals
const CleanupJobInterval = 5 * time.Minute

// Admin session lifetime, independent of the re-verification window
const AdminSessionTTL = 12 * time.Hour

// Event subjects published after ledger and moderation commits
const (
	SubjectLedgerTransactions = "credits.transactions"
	SubjectAuditEntries       = "credits.audit"
)

// Rate limiter class used for AI feature calls
const FeatureRateLimitClass = "ai"
