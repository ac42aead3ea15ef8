// Package similarity provides the nearest-neighbor index used to match
// speaker embeddings across a user's media library.
//
// Index is the contract the resolution engine depends on. The built-in
// Memory implementation does brute-force cosine scoring and is sized for
// per-user libraries (hundreds of voices, not millions). A dedicated
// vector database can be swapped in behind the same interface.
package similarity

// Match is a single result from a similarity query
type Match struct {
	// VectorID identifies the matched vector (a speaker instance id)
	VectorID string
	// FileID is the file the matched vector came from
	FileID string
	// Score is cosine similarity normalized into [0,1];
	// higher means more similar
	Score float64
}

// Index is a user-scoped vector similarity index.
// All implementations must be safe for concurrent use.
type Index interface {
	// Upsert adds or replaces a vector. Re-inserting the same vectorId
	// overwrites the previous vector (idempotent).
	Upsert(ownerID, vectorID, fileID string, vector []float32) error

	// Query returns the top-k vectors most similar to the query vector
	// among the owner's vectors, ordered by descending score.
	// Vectors belonging to excludeFileID are skipped; pass "" to search
	// the whole library.
	Query(ownerID string, vector []float32, k int, excludeFileID string) ([]Match, error)

	// Delete removes a vector. Deleting an unknown id is not an error.
	Delete(ownerID, vectorID string) error

	// Len returns the number of vectors stored for the owner.
	Len(ownerID string) int
}
