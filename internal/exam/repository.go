package exam

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Storage keys for the three independent persisted records.
const (
	keyIdentity   = "identity"
	keyCheckpoint = "checkpoint"
	keyClips      = "clips"
)

// Persisted records are validated against these schemas before being
// trusted: a record that fails to parse or validate is discarded and the
// flow falls back to defaults instead of crashing on startup.
var (
	identitySchema = jsonschema.MustCompileString("identity.json", `{
		"type": "object",
		"required": ["fullName"],
		"properties": {
			"fullName": {"type": "string", "minLength": 1}
		}
	}`)

	checkpointSchema = jsonschema.MustCompileString("checkpoint.json", `{
		"type": "object",
		"required": ["sessionNumber", "isBreakScreen", "timestamp"],
		"properties": {
			"sessionNumber": {"type": "integer", "minimum": 1, "maximum": 3},
			"isBreakScreen": {"type": "boolean"},
			"timestamp": {"type": "number"}
		}
	}`)

	clipsSchema = jsonschema.MustCompileString("clips.json", `{
		"type": "array",
		"items": {
			"type": "object",
			"required": ["sessionId", "filename", "blobData"],
			"properties": {
				"sessionId": {"type": "integer", "minimum": 1, "maximum": 3},
				"filename": {"type": "string", "minLength": 1},
				"blobData": {"type": "string"}
			}
		}
	}`)
)

// Repository persists the typed exam records over a Store. Loads never fail
// the caller: a missing, unreadable, or corrupt record reads as absent, and
// corrupt records are deleted on sight.
type Repository struct {
	store Store
	log   *slog.Logger
}

// NewRepository returns a Repository over the given store.
func NewRepository(store Store, log *slog.Logger) *Repository {
	return &Repository{store: store, log: log}
}

// SaveIdentity persists the user identity record.
func (r *Repository) SaveIdentity(id Identity) error {
	return r.save(keyIdentity, id)
}

// LoadIdentity returns the persisted identity, ok false if absent or corrupt.
func (r *Repository) LoadIdentity() (Identity, bool) {
	var id Identity
	if !r.load(keyIdentity, identitySchema, &id) {
		return Identity{}, false
	}
	return id, true
}

// SaveCheckpoint persists the progress checkpoint.
func (r *Repository) SaveCheckpoint(cp Checkpoint) error {
	return r.save(keyCheckpoint, cp)
}

// LoadCheckpoint returns the persisted checkpoint, ok false if absent or
// corrupt.
func (r *Repository) LoadCheckpoint() (Checkpoint, bool) {
	var cp Checkpoint
	if !r.load(keyCheckpoint, checkpointSchema, &cp) {
		return Checkpoint{}, false
	}
	return cp, true
}

// DeleteCheckpoint removes the checkpoint record.
func (r *Repository) DeleteCheckpoint() error {
	return r.store.Delete(keyCheckpoint)
}

// SaveClips persists the full clip list, replacing any previous one.
func (r *Repository) SaveClips(clips []ClipRecord) error {
	return r.save(keyClips, clips)
}

// LoadClips returns the persisted clips. A missing or corrupt record reads
// as zero clips.
func (r *Repository) LoadClips() []ClipRecord {
	var clips []ClipRecord
	if !r.load(keyClips, clipsSchema, &clips) {
		return nil
	}
	return clips
}

// Clear removes all three records. Used on logout and before a new login.
func (r *Repository) Clear() error {
	var firstErr error
	for _, key := range []string{keyIdentity, keyCheckpoint, keyClips} {
		if err := r.store.Delete(key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Repository) save(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := r.store.Set(key, data); err != nil {
		return fmt.Errorf("persist %s: %w", key, err)
	}
	return nil
}

// load reads and validates a record. Returns false (and discards the stored
// record) if it is absent, unreadable, malformed, or schema-invalid.
func (r *Repository) load(key string, schema *jsonschema.Schema, out any) bool {
	data, ok, err := r.store.Get(key)
	if err != nil {
		r.log.Warn("read persisted record failed", "key", key, "error", err)
		return false
	}
	if !ok {
		return false
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		r.discardCorrupt(key, err)
		return false
	}
	if err := schema.Validate(raw); err != nil {
		r.discardCorrupt(key, err)
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		r.discardCorrupt(key, err)
		return false
	}
	return true
}

func (r *Repository) discardCorrupt(key string, cause error) {
	r.log.Warn("discarding corrupt persisted record", "key", key, "error", cause)
	if err := r.store.Delete(key); err != nil {
		r.log.Warn("delete corrupt record failed", "key", key, "error", err)
	}
}
