package syncache

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking; the store calls them on
// hot paths. key is CacheKey.String().
type Hooks interface {
	// A fetch was issued to the Fetcher.
	FetchStarted(key string)

	// A revalidation was satisfied without a new fetch.
	// reason ∈ {"inflight", "interval"}
	FetchDeduplicated(key, reason string)

	// The Fetcher returned an error; the entry moved to StatusError.
	FetchFailed(key string, err error)

	// A fetch was cancelled (forced revalidation, eviction or Close) and its
	// result discarded.
	FetchCancelled(key string)

	// A batch commit changed keys entries and queued subscribers deliveries.
	BatchCommitted(keys, subscribers int)

	// A subscriber callback panicked; the panic was recovered.
	SubscriberPanicked(key string, recovered any)

	// An idle key was evicted from the root layer.
	KeyEvicted(key string)

	// A spilled entry could not be written or was dropped on restore.
	// reason ∈ {"encode", "provider_rejected", "provider_error", "gen_error",
	// "corrupt", "gen_mismatch", "value_decode"}
	SpillRejected(key, reason string)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) FetchStarted(string)              {}
func (NopHooks) FetchDeduplicated(string, string) {}
func (NopHooks) FetchFailed(string, error)        {}
func (NopHooks) FetchCancelled(string)            {}
func (NopHooks) BatchCommitted(int, int)          {}
func (NopHooks) SubscriberPanicked(string, any)   {}
func (NopHooks) KeyEvicted(string)                {}
func (NopHooks) SpillRejected(string, string)     {}
