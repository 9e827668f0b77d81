package session

// The session layer persists exactly two keys: the serialized Session record
// and a duplicate copy of its token. The copy exists purely for tamper
// detection; a read is only valid when both keys are present and the tokens
// agree byte-for-byte.
const (
	StorageKeySession = "pos.session"
	StorageKeyToken   = "pos.session.token"
)

// Storage is the ephemeral, per-process key-value store backing the session
// layer. Implementations must be safe for concurrent use. Values do not
// survive a process restart; that is the point.
type Storage interface {
	// Get returns the value for key and whether it was present.
	Get(key string) (string, bool)

	// Set stores value under key, replacing any previous value.
	Set(key, value string)

	// Delete removes key. Deleting an absent key is a no-op.
	Delete(key string)
}
