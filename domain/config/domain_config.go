package config

import "time"

// DomainConfig holds the tunable rules of the conversation tree.
type DomainConfig struct {
	// Node constraints
	MaxQuestionLength int
	LabelLength       int
	LabelEllipsis     string

	// FallbackAnswer is attached when no answer could be fetched. It is never empty.
	FallbackAnswer string

	// DefaultSessionName is used when a session is created without a name.
	DefaultSessionName string

	// TransitionLogSize bounds the active-pointer audit trail; zero disables it.
	TransitionLogSize int

	// Sync behaviour
	VerifyAttempts int
	CacheTTL       time.Duration
}

// DefaultDomainConfig returns the default domain configuration
func DefaultDomainConfig() *DomainConfig {
	return &DomainConfig{
		MaxQuestionLength:  8000,
		LabelLength:        20,
		LabelEllipsis:      "...",
		FallbackAnswer:     "[answer unavailable] The assistant could not be reached. Ask again to retry.",
		DefaultSessionName: "New conversation",
		TransitionLogSize:  100,
		VerifyAttempts:     3,
		CacheTTL:           60 * time.Second,
	}
}
