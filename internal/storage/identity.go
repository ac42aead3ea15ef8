package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/codebuildervaibhav/voicevault/internal/types"
)

// EncodeVector serializes an embedding for BLOB storage
func EncodeVector(v []float32) ([]byte, error) {
	return msgpack.Marshal(v)
}

// DecodeVector deserializes an embedding BLOB
func DecodeVector(b []byte) ([]float32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var v []float32
	if err := msgpack.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("failed to decode embedding: %v", err)
	}
	return v, nil
}

// ReplaceFileData atomically swaps a file's segments and speaker
// instances for freshly produced ones. Old rows (including any
// user-corrected assignments from a previous run) are removed only here,
// at the persist stage, so a retried pipeline keeps prior data intact
// until its replacement is ready.
func (d *DB) ReplaceFileData(fileID string, segments []types.TranscriptSegment, instances []types.SpeakerInstance) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM suggestions WHERE instance_id IN
		(SELECT id FROM speaker_instances WHERE file_id = ?)`, fileID); err != nil {
		return fmt.Errorf("failed to clear suggestions: %v", err)
	}
	if _, err := tx.Exec(`DELETE FROM segments WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("failed to clear segments: %v", err)
	}
	if _, err := tx.Exec(`DELETE FROM speaker_instances WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("failed to clear instances: %v", err)
	}

	now := time.Now()
	for i := range instances {
		inst := &instances[i]
		blob, err := EncodeVector(inst.Embedding)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO speaker_instances (id, file_id, user_id, label, display_name,
				verified, profile_id, confidence, version, embedding, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
			inst.ID, inst.FileID, inst.UserID, inst.Label, inst.DisplayName,
			inst.Verified, nullable(inst.ProfileID), inst.Confidence, blob, now, now); err != nil {
			return fmt.Errorf("failed to insert instance: %v", err)
		}
	}

	for i := range segments {
		seg := &segments[i]
		if _, err := tx.Exec(`
			INSERT INTO segments (id, file_id, ord, start_sec, end_sec, text, confidence, speaker_instance_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			seg.ID, seg.FileID, seg.Ordinal, seg.Start, seg.End, seg.Text,
			seg.Confidence, nullable(seg.SpeakerInstanceID)); err != nil {
			return fmt.Errorf("failed to insert segment: %v", err)
		}
	}

	return tx.Commit()
}

// nullable maps an empty string to SQL NULL
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// SegmentsByFile returns a file's segments in transcript order
func (d *DB) SegmentsByFile(fileID string) ([]types.TranscriptSegment, error) {
	rows, err := d.db.Query(`
		SELECT id, file_id, ord, start_sec, end_sec, text, confidence, speaker_instance_id
		FROM segments WHERE file_id = ? ORDER BY ord`, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %v", err)
	}
	defer rows.Close()

	var segments []types.TranscriptSegment
	for rows.Next() {
		var seg types.TranscriptSegment
		var speaker sql.NullString
		if err := rows.Scan(&seg.ID, &seg.FileID, &seg.Ordinal, &seg.Start, &seg.End,
			&seg.Text, &seg.Confidence, &speaker); err != nil {
			return nil, err
		}
		seg.SpeakerInstanceID = speaker.String
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// GetSegment retrieves one segment
func (d *DB) GetSegment(id string) (*types.TranscriptSegment, error) {
	row := d.db.QueryRow(`
		SELECT id, file_id, ord, start_sec, end_sec, text, confidence, speaker_instance_id
		FROM segments WHERE id = ?`, id)

	var seg types.TranscriptSegment
	var speaker sql.NullString
	err := row.Scan(&seg.ID, &seg.FileID, &seg.Ordinal, &seg.Start, &seg.End,
		&seg.Text, &seg.Confidence, &speaker)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get segment: %v", err)
	}
	seg.SpeakerInstanceID = speaker.String
	return &seg, nil
}

// UpdateSegmentSpeaker points one segment at a new speaker instance,
// or clears the assignment when instanceID is empty
func (d *DB) UpdateSegmentSpeaker(segmentID, instanceID string) error {
	res, err := d.db.Exec(`UPDATE segments SET speaker_instance_id = ? WHERE id = ?`,
		nullable(instanceID), segmentID)
	if err != nil {
		return fmt.Errorf("failed to update segment speaker: %v", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountSegmentsBySpeaker returns how many segments reference the instance
func (d *DB) CountSegmentsBySpeaker(instanceID string) (int, error) {
	var count int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM segments WHERE speaker_instance_id = ?`,
		instanceID).Scan(&count)
	return count, err
}

func scanInstance(row interface{ Scan(...interface{}) error }) (*types.SpeakerInstance, error) {
	var inst types.SpeakerInstance
	var profileID sql.NullString
	var blob []byte
	err := row.Scan(&inst.ID, &inst.FileID, &inst.UserID, &inst.Label, &inst.DisplayName,
		&inst.Verified, &profileID, &inst.Confidence, &inst.Version, &blob,
		&inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inst.ProfileID = profileID.String
	inst.Embedding, err = DecodeVector(blob)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

const instanceColumns = `id, file_id, user_id, label, display_name, verified,
	profile_id, confidence, version, embedding, created_at, updated_at`

// GetInstance retrieves a speaker instance with its embedding
func (d *DB) GetInstance(id string) (*types.SpeakerInstance, error) {
	row := d.db.QueryRow(`SELECT `+instanceColumns+` FROM speaker_instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %v", err)
	}
	return inst, nil
}

// InstancesByFile returns all speaker instances of one file
func (d *DB) InstancesByFile(fileID string) ([]*types.SpeakerInstance, error) {
	rows, err := d.db.Query(`SELECT `+instanceColumns+` FROM speaker_instances
		WHERE file_id = ? ORDER BY label`, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %v", err)
	}
	defer rows.Close()

	var instances []*types.SpeakerInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// AllInstances streams every stored instance; used to warm the
// similarity index at startup
func (d *DB) AllInstances() ([]*types.SpeakerInstance, error) {
	rows, err := d.db.Query(`SELECT ` + instanceColumns + ` FROM speaker_instances`)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %v", err)
	}
	defer rows.Close()

	var instances []*types.SpeakerInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// LinkInstanceToProfile attaches an instance to a profile and records the
// propagated display name. The version check makes concurrent link/merge
// operations fail with ErrVersionConflict instead of clobbering each other.
func (d *DB) LinkInstanceToProfile(instanceID, profileID, displayName string, verified bool, confidence float64, expectedVersion int) error {
	res, err := d.db.Exec(`UPDATE speaker_instances
		SET profile_id = ?, display_name = ?, verified = ?, confidence = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		nullable(profileID), displayName, verified, confidence, time.Now(),
		instanceID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to link instance: %v", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// SetInstanceName records a human-entered display name
func (d *DB) SetInstanceName(instanceID, displayName string, verified bool) error {
	res, err := d.db.Exec(`UPDATE speaker_instances
		SET display_name = ?, verified = ?, version = version + 1, updated_at = ?
		WHERE id = ?`, displayName, verified, time.Now(), instanceID)
	if err != nil {
		return fmt.Errorf("failed to name instance: %v", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MergeInstanceInto reassigns every segment of the source instance to the
// target and deletes the source, in one transaction. Version checks on
// both rows reject concurrent merges touching the same instances.
func (d *DB) MergeInstanceInto(sourceID string, sourceVersion int, targetID string, targetVersion int) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()

	// Bump the target version first; acts as the merge lock
	res, err := tx.Exec(`UPDATE speaker_instances SET version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`, now, targetID, targetVersion)
	if err != nil {
		return fmt.Errorf("failed to lock target: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVersionConflict
	}

	res, err = tx.Exec(`DELETE FROM speaker_instances WHERE id = ? AND version = ?`,
		sourceID, sourceVersion)
	if err != nil {
		return fmt.Errorf("failed to delete source: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVersionConflict
	}

	if _, err := tx.Exec(`UPDATE segments SET speaker_instance_id = ?
		WHERE speaker_instance_id = ?`, targetID, sourceID); err != nil {
		return fmt.Errorf("failed to reassign segments: %v", err)
	}
	if _, err := tx.Exec(`DELETE FROM suggestions WHERE instance_id = ? OR candidate_id = ?`,
		sourceID, sourceID); err != nil {
		return fmt.Errorf("failed to clear suggestions: %v", err)
	}

	return tx.Commit()
}

// CreateProfile inserts a new speaker profile
func (d *DB) CreateProfile(p *types.SpeakerProfile) error {
	blob, err := EncodeVector(p.Centroid)
	if err != nil {
		return err
	}
	_, err = d.db.Exec(`
		INSERT INTO speaker_profiles (id, user_id, display_name, centroid, instance_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.DisplayName, blob, p.InstanceCount, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create profile: %v", err)
	}
	return nil
}

// GetProfile retrieves a profile with its centroid
func (d *DB) GetProfile(id string) (*types.SpeakerProfile, error) {
	row := d.db.QueryRow(`SELECT id, user_id, display_name, centroid, instance_count, updated_at
		FROM speaker_profiles WHERE id = ?`, id)

	var p types.SpeakerProfile
	var blob []byte
	err := row.Scan(&p.ID, &p.UserID, &p.DisplayName, &blob, &p.InstanceCount, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %v", err)
	}
	p.Centroid, err = DecodeVector(blob)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ProfilesByUser lists a user's profiles, most recently updated first
func (d *DB) ProfilesByUser(userID string) ([]*types.SpeakerProfile, error) {
	rows, err := d.db.Query(`SELECT id, user_id, display_name, centroid, instance_count, updated_at
		FROM speaker_profiles WHERE user_id = ? ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %v", err)
	}
	defer rows.Close()

	var profiles []*types.SpeakerProfile
	for rows.Next() {
		var p types.SpeakerProfile
		var blob []byte
		if err := rows.Scan(&p.ID, &p.UserID, &p.DisplayName, &blob, &p.InstanceCount, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if p.Centroid, err = DecodeVector(blob); err != nil {
			return nil, err
		}
		profiles = append(profiles, &p)
	}
	return profiles, rows.Err()
}

// UpdateProfileAggregate stores a recomputed centroid and member count
func (d *DB) UpdateProfileAggregate(id string, centroid []float32, instanceCount int) error {
	blob, err := EncodeVector(centroid)
	if err != nil {
		return err
	}
	res, err := d.db.Exec(`UPDATE speaker_profiles SET centroid = ?, instance_count = ?, updated_at = ?
		WHERE id = ?`, blob, instanceCount, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update profile aggregate: %v", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RenameProfile changes a profile's display name
func (d *DB) RenameProfile(id, displayName string) error {
	res, err := d.db.Exec(`UPDATE speaker_profiles SET display_name = ?, updated_at = ?
		WHERE id = ?`, displayName, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to rename profile: %v", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteProfile removes a profile and detaches (does not delete) its
// member instances
func (d *DB) DeleteProfile(id string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE speaker_instances
		SET profile_id = NULL, version = version + 1, updated_at = ?
		WHERE profile_id = ?`, time.Now(), id); err != nil {
		return fmt.Errorf("failed to detach instances: %v", err)
	}

	res, err := tx.Exec(`DELETE FROM speaker_profiles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete profile: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// ReplaceSuggestions swaps an instance's pending suggestions for a new set
func (d *DB) ReplaceSuggestions(instanceID string, candidates []types.MatchCandidate) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM suggestions WHERE instance_id = ? AND status = 'pending'`,
		instanceID); err != nil {
		return fmt.Errorf("failed to clear suggestions: %v", err)
	}
	for i := range candidates {
		c := &candidates[i]
		if _, err := tx.Exec(`
			INSERT INTO suggestions (id, instance_id, candidate_id, candidate_kind, score, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.InstanceID, c.CandidateID, c.CandidateKind, c.Score, c.Status, c.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert suggestion: %v", err)
		}
	}

	return tx.Commit()
}

// SuggestionsByInstance lists an instance's suggestions, best score first
func (d *DB) SuggestionsByInstance(instanceID string) ([]types.MatchCandidate, error) {
	rows, err := d.db.Query(`
		SELECT id, instance_id, candidate_id, candidate_kind, score, status, created_at
		FROM suggestions WHERE instance_id = ? ORDER BY score DESC`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list suggestions: %v", err)
	}
	defer rows.Close()

	var candidates []types.MatchCandidate
	for rows.Next() {
		var c types.MatchCandidate
		if err := rows.Scan(&c.ID, &c.InstanceID, &c.CandidateID, &c.CandidateKind,
			&c.Score, &c.Status, &c.CreatedAt); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// GetSuggestion retrieves one suggestion
func (d *DB) GetSuggestion(id string) (*types.MatchCandidate, error) {
	row := d.db.QueryRow(`
		SELECT id, instance_id, candidate_id, candidate_kind, score, status, created_at
		FROM suggestions WHERE id = ?`, id)

	var c types.MatchCandidate
	err := row.Scan(&c.ID, &c.InstanceID, &c.CandidateID, &c.CandidateKind,
		&c.Score, &c.Status, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get suggestion: %v", err)
	}
	return &c, nil
}

// SetSuggestionStatus marks a suggestion accepted or rejected
func (d *DB) SetSuggestionStatus(id, status string) error {
	res, err := d.db.Exec(`UPDATE suggestions SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update suggestion: %v", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
