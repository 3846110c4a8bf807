package ir

// Version constants for fingerprint schema and engine.
const (
	// FingerprintVersion is mixed into every weak fingerprint. Bumping it
	// invalidates all persisted cache entries.
	FingerprintVersion = "2"

	// EngineVersion is the hermetic engine version.
	EngineVersion = "0.1.0"
)
