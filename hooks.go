package flashguard

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The cache calls them on hot paths.
type Hooks interface {
	// An entry was deleted by the cache on read.
	// reason ∈ {"corrupt", "value_decode"}
	CorruptEntry(storageKey, reason string)

	// A negative lookup was remembered as a tombstone.
	NullCached(storageKey string)

	// A logical-expiry read found nothing; the key was never seeded.
	ColdMiss(storageKey string)

	// The mutex strategy gave up after attempts lock attempts.
	LockContended(storageKey string, attempts int)

	// Background rebuild lifecycle.
	RebuildSubmitted(storageKey string)
	RebuildDropped(storageKey string) // pool rejected the task; lock released
	RebuildFailed(storageKey string, err error)

	// Provider returned ok=false on Set (backpressure/eviction).
	ProviderSetRejected(storageKey string)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) CorruptEntry(string, string) {}
func (NopHooks) NullCached(string)           {}
func (NopHooks) ColdMiss(string)             {}
func (NopHooks) LockContended(string, int)   {}
func (NopHooks) RebuildSubmitted(string)     {}
func (NopHooks) RebuildDropped(string)       {}
func (NopHooks) RebuildFailed(string, error) {}
func (NopHooks) ProviderSetRejected(string)  {}
