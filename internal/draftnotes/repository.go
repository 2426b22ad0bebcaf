package draftnotes

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StepAll is the literal step filter meaning "no step filter".
const StepAll = "All"

var errMissingRepositoryDB = errors.New("database handle is required")

// Repository owns persistence and query operations over notes, versions,
// users and attachment rows. Mutations are expected to run inside the
// caller's transaction via WithTx.
type Repository struct {
	db    *gorm.DB
	clock func() time.Time
}

// RepositoryConfig describes the dependencies of a Repository.
type RepositoryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// NewRepository constructs a Repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.Database == nil {
		return nil, errMissingRepositoryDB
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Repository{db: cfg.Database, clock: clock}, nil
}

// WithTx returns a Repository bound to the provided transaction handle.
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	return &Repository{db: tx, clock: r.clock}
}

// UpsertVersions bulk-upserts version metadata by primary key, updating
// name/step_name/project_id on conflict. Empty input is a no-op.
func (r *Repository) UpsertVersions(ctx context.Context, metas []VersionMeta) error {
	if len(metas) == 0 {
		return nil
	}
	rows := make([]Version, 0, len(metas))
	for _, meta := range metas {
		rows = append(rows, Version{
			ID:        meta.ID,
			Name:      meta.Name,
			StepName:  meta.StepName,
			ProjectID: meta.ProjectID,
		})
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "step_name", "project_id"}),
	}).Create(&rows).Error
	if err != nil {
		return newStorageError("upsert_versions", err)
	}
	return nil
}

// UpsertNote replaces the content of the (versionID, ownerID) note or inserts
// a new row when the slot is empty. The lookup-then-write runs on the bound
// handle, so callers wrap it in their transaction to keep the pair unique.
func (r *Repository) UpsertNote(ctx context.Context, versionID, ownerID int64, content string) (*Note, error) {
	var existing Note
	err := r.db.WithContext(ctx).
		Where("version_id = ? AND owner_id = ?", versionID, ownerID).
		Take(&existing).Error
	switch {
	case err == nil:
		existing.Content = content
		existing.UpdatedAt = r.clock().UTC()
		if err := r.db.WithContext(ctx).Save(&existing).Error; err != nil {
			return nil, newStorageError("update_note", err)
		}
		return &existing, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		created := Note{
			VersionID: versionID,
			OwnerID:   ownerID,
			Content:   content,
			UpdatedAt: r.clock().UTC(),
		}
		if err := r.db.WithContext(ctx).Create(&created).Error; err != nil {
			return nil, newStorageError("insert_note", err)
		}
		return &created, nil
	default:
		return nil, newStorageError("select_note", err)
	}
}

// TouchNote bumps the updated_at of a note after an attachment-linked change.
func (r *Repository) TouchNote(ctx context.Context, noteID int64) error {
	err := r.db.WithContext(ctx).Model(&Note{}).
		Where("id = ?", noteID).
		Update("updated_at", r.clock().UTC()).Error
	if err != nil {
		return newStorageError("touch_note", err)
	}
	return nil
}

// GetNote loads the note for one (versionID, ownerID) slot with its owner and
// attachments. Returns ErrNotFound when the slot is empty.
func (r *Repository) GetNote(ctx context.Context, versionID, ownerID int64) (*Note, error) {
	var note Note
	err := r.db.WithContext(ctx).
		Preload("Owner").Preload("Attachments").
		Where("version_id = ? AND owner_id = ?", versionID, ownerID).
		Take(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, newStorageError("select_note", err)
	}
	return &note, nil
}

// GetNoteByID loads a note by primary key. Returns ErrNotFound when absent.
func (r *Repository) GetNoteByID(ctx context.Context, noteID int64) (*Note, error) {
	var note Note
	err := r.db.WithContext(ctx).
		Preload("Owner").Preload("Attachments").
		Where("id = ?", noteID).
		Take(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, newStorageError("select_note", err)
	}
	return &note, nil
}

// GetNotesForVersion lists every draft note on a version, newest first.
// An empty result is an empty slice, not an error.
func (r *Repository) GetNotesForVersion(ctx context.Context, versionID int64) ([]Note, error) {
	var rows []Note
	err := r.db.WithContext(ctx).
		Preload("Owner").Preload("Attachments").
		Where("version_id = ?", versionID).
		Order("updated_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, newStorageError("select_notes_for_version", err)
	}
	return rows, nil
}

// GetNotesByStep joins notes to versions filtered by project and, unless
// stepName is "All", by pipeline step, ordered by updated_at descending.
func (r *Repository) GetNotesByStep(ctx context.Context, projectID int64, stepName string) ([]Note, error) {
	query := r.db.WithContext(ctx).
		Preload("Owner").Preload("Attachments").
		Joins("JOIN versions ON versions.id = notes.version_id").
		Where("versions.project_id = ?", projectID)
	if stepName != StepAll {
		query = query.Where("versions.step_name = ?", stepName)
	}

	var rows []Note
	if err := query.Order("notes.updated_at DESC").Find(&rows).Error; err != nil {
		return nil, newStorageError("select_notes_by_step", err)
	}
	return rows, nil
}

// DeleteNoteByOwnerAndVersion removes the (versionID, ownerID) note row when
// present; attachment rows cascade. Returns the deleted note, or nil when the
// slot was already empty.
func (r *Repository) DeleteNoteByOwnerAndVersion(ctx context.Context, versionID, ownerID int64) (*Note, error) {
	var note Note
	err := r.db.WithContext(ctx).
		Where("version_id = ? AND owner_id = ?", versionID, ownerID).
		Take(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, newStorageError("select_note", err)
	}
	if err := r.deleteNoteRow(ctx, note.ID); err != nil {
		return nil, err
	}
	return &note, nil
}

// DeleteNoteByID removes a note row by primary key; attachment rows cascade.
// Returns nil, nil when the note is already absent (idempotent delete).
func (r *Repository) DeleteNoteByID(ctx context.Context, noteID int64) (*Note, error) {
	var note Note
	err := r.db.WithContext(ctx).Where("id = ?", noteID).Take(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, newStorageError("select_note", err)
	}
	if err := r.deleteNoteRow(ctx, note.ID); err != nil {
		return nil, err
	}
	return &note, nil
}

// deleteNoteRow removes the note and its attachment rows. The explicit
// attachment delete keeps cascade semantics even when the driver did not
// install the FK constraint.
func (r *Repository) deleteNoteRow(ctx context.Context, noteID int64) error {
	if err := r.db.WithContext(ctx).Where("note_id = ?", noteID).Delete(&Attachment{}).Error; err != nil {
		return newStorageError("delete_attachments", err)
	}
	if err := r.db.WithContext(ctx).Where("id = ?", noteID).Delete(&Note{}).Error; err != nil {
		return newStorageError("delete_note", err)
	}
	return nil
}

// CreateAttachment links one attachment row to its note.
func (r *Repository) CreateAttachment(ctx context.Context, attachment *Attachment) error {
	if err := r.db.WithContext(ctx).Create(attachment).Error; err != nil {
		return newStorageError("insert_attachment", err)
	}
	return nil
}

// GetAttachment loads one attachment row. Returns ErrNotFound when absent.
func (r *Repository) GetAttachment(ctx context.Context, attachmentID int64) (*Attachment, error) {
	var attachment Attachment
	err := r.db.WithContext(ctx).Where("id = ?", attachmentID).Take(&attachment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, newStorageError("select_attachment", err)
	}
	return &attachment, nil
}

// DeleteAttachment removes one attachment row.
func (r *Repository) DeleteAttachment(ctx context.Context, attachmentID int64) error {
	if err := r.db.WithContext(ctx).Where("id = ?", attachmentID).Delete(&Attachment{}).Error; err != nil {
		return newStorageError("delete_attachment", err)
	}
	return nil
}

// CountAttachments returns how many attachment rows remain on a note.
func (r *Repository) CountAttachments(ctx context.Context, noteID int64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Attachment{}).
		Where("note_id = ?", noteID).
		Count(&count).Error
	if err != nil {
		return 0, newStorageError("count_attachments", err)
	}
	return count, nil
}
