package draftnotes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingEngineDB    = errors.New("database handle is required")
	errMissingRepository  = errors.New("note repository is required")
	errMissingStore       = errors.New("attachment store is required")
	errMissingHub         = errors.New("notification hub is required")
	errNoUploads          = errors.New("at least one upload is required")
	errMissingUploadValue = errors.New("upload carries neither bytes nor a url")
	noOpLogger            = zap.NewNop()
)

const (
	opSaveNote         = "draftnotes.save_note"
	opAddAttachments   = "draftnotes.add_attachments"
	opRemoveAttachment = "draftnotes.remove_attachment"
	opDeleteNote       = "draftnotes.delete_note"
)

// Broadcaster fans a serialized note payload out to every subscriber of a
// version topic. Sends are best-effort; Broadcast never fails.
type Broadcaster interface {
	Broadcast(versionID int64, payload []byte)
}

// Upload describes one attachment to add: either a byte stream (file) or a
// url reference.
type Upload struct {
	Type         AttachmentType
	Reader       io.Reader
	URL          string
	OriginalName string
}

// SaveNoteRequest carries one content save for a (version, owner) slot.
type SaveNoteRequest struct {
	VersionID int64
	OwnerID   int64
	Content   string
	Meta      VersionMeta
}

// BatchError reports a partially applied attachment batch: uploads before
// Failed are persisted and kept, the remainder was not attempted.
type BatchError struct {
	Failed string
	Saved  int
	Err    error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("draftnotes: attachment %q failed after %d saved: %v", e.Failed, e.Saved, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// EngineConfig describes the dependencies of the draft-note engine.
type EngineConfig struct {
	Database   *gorm.DB
	Repository *Repository
	Store      *AttachmentStore
	Hub        Broadcaster
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Engine drives the note/attachment state machine: every mutation runs its
// persistence inside one transaction and broadcasts to the version topic only
// after the commit succeeded.
type Engine struct {
	db     *gorm.DB
	repo   *Repository
	store  *AttachmentStore
	hub    Broadcaster
	clock  func() time.Time
	logger *zap.Logger
}

// NewEngine constructs the engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, errMissingEngineDB
	}
	if cfg.Repository == nil {
		return nil, errMissingRepository
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Hub == nil {
		return nil, errMissingHub
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Engine{
		db:     cfg.Database,
		repo:   cfg.Repository,
		store:  cfg.Store,
		hub:    cfg.Hub,
		clock:  clock,
		logger: logger,
	}, nil
}

// SaveNote creates, replaces or deletes the (version, owner) note depending on
// content. A nil NoteInfo with nil error is the empty-content acknowledgement.
func (e *Engine) SaveNote(ctx context.Context, req SaveNoteRequest) (*NoteInfo, error) {
	if strings.TrimSpace(req.Content) == "" {
		return e.saveEmptyContent(ctx, req)
	}

	var saved *Note
	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := e.repo.WithTx(tx)
		if err := repo.UpsertVersions(ctx, []VersionMeta{req.Meta}); err != nil {
			return err
		}
		note, err := repo.UpsertNote(ctx, req.VersionID, req.OwnerID, req.Content)
		if err != nil {
			return err
		}
		saved = note
		return nil
	})
	if txErr != nil {
		e.logError(opSaveNote, "persist_failed", txErr, zap.Int64("version_id", req.VersionID), zap.Int64("owner_id", req.OwnerID))
		return nil, txErr
	}

	info, err := e.loadNoteInfo(ctx, saved.ID)
	if err != nil {
		return nil, err
	}
	e.broadcast(info)
	return info, nil
}

// saveEmptyContent handles the empty/whitespace save: delete the note when no
// attachments remain, otherwise keep it alive with empty content.
func (e *Engine) saveEmptyContent(ctx context.Context, req SaveNoteRequest) (*NoteInfo, error) {
	var (
		deleted  *Note
		survivor *Note
	)
	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := e.repo.WithTx(tx)
		note, err := repo.GetNote(ctx, req.VersionID, req.OwnerID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if len(note.Attachments) > 0 {
			kept, err := repo.UpsertNote(ctx, req.VersionID, req.OwnerID, "")
			if err != nil {
				return err
			}
			survivor = kept
			return nil
		}
		removed, err := repo.DeleteNoteByOwnerAndVersion(ctx, req.VersionID, req.OwnerID)
		if err != nil {
			return err
		}
		deleted = removed
		return nil
	})
	if txErr != nil {
		e.logError(opSaveNote, "empty_save_failed", txErr, zap.Int64("version_id", req.VersionID), zap.Int64("owner_id", req.OwnerID))
		return nil, txErr
	}

	if survivor != nil {
		info, err := e.loadNoteInfo(ctx, survivor.ID)
		if err != nil {
			return nil, err
		}
		e.broadcast(info)
		return info, nil
	}
	if deleted != nil {
		if err := e.store.RemoveFolder(deleted.ID, deleted.OwnerID); err != nil {
			e.logError(opSaveNote, "folder_cleanup_failed", err, zap.Int64("note_id", deleted.ID))
		}
		sentinel := NewSentinelNoteInfo(req.VersionID, req.OwnerID, e.clock().UTC())
		e.broadcast(&sentinel)
	}
	return nil, nil
}

// AddAttachmentsToNote attaches uploads to an existing note owned by ownerID.
func (e *Engine) AddAttachmentsToNote(ctx context.Context, noteID, ownerID int64, uploads []Upload) (*NoteInfo, error) {
	if len(uploads) == 0 {
		return nil, errNoUploads
	}
	note, err := e.repo.GetNoteByID(ctx, noteID)
	if err != nil {
		return nil, err
	}
	if note.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	return e.attach(ctx, note, uploads)
}

// AddAttachmentsToVersion attaches uploads to the (version, owner) slot,
// creating an empty-content note first when the slot is absent.
func (e *Engine) AddAttachmentsToVersion(ctx context.Context, versionID, ownerID int64, meta VersionMeta, uploads []Upload) (*NoteInfo, error) {
	if len(uploads) == 0 {
		return nil, errNoUploads
	}

	createdNew := false
	note, err := e.repo.GetNote(ctx, versionID, ownerID)
	if errors.Is(err, ErrNotFound) {
		txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			repo := e.repo.WithTx(tx)
			if err := repo.UpsertVersions(ctx, []VersionMeta{meta}); err != nil {
				return err
			}
			created, err := repo.UpsertNote(ctx, versionID, ownerID, "")
			if err != nil {
				return err
			}
			note = created
			return nil
		})
		if txErr != nil {
			e.logError(opAddAttachments, "note_create_failed", txErr, zap.Int64("version_id", versionID), zap.Int64("owner_id", ownerID))
			return nil, txErr
		}
		createdNew = true
	} else if err != nil {
		return nil, err
	}

	info, attachErr := e.attach(ctx, note, uploads)
	if createdNew && attachErr != nil && wholeBatchFailed(attachErr) {
		// Nothing stuck to the note we just made for this call, so an
		// empty-content note with zero attachments must not survive.
		if _, delErr := e.repo.DeleteNoteByID(ctx, note.ID); delErr != nil {
			e.logError(opAddAttachments, "empty_note_rollback_failed", delErr, zap.Int64("note_id", note.ID))
		}
	}
	return info, attachErr
}

func wholeBatchFailed(err error) bool {
	var batchErr *BatchError
	return errors.As(err, &batchErr) && batchErr.Saved == 0
}

// attach persists each upload in turn. Policy for partial failure is
// best-effort: earlier uploads stay linked, the failing one aborts the rest
// and is named in the returned BatchError.
func (e *Engine) attach(ctx context.Context, note *Note, uploads []Upload) (*NoteInfo, error) {
	saved := 0
	var batchErr error
	for _, upload := range uploads {
		if err := e.attachOne(ctx, note, upload); err != nil {
			batchErr = &BatchError{Failed: upload.OriginalName, Saved: saved, Err: err}
			break
		}
		saved++
	}

	if saved == 0 && batchErr != nil {
		e.logError(opAddAttachments, "batch_failed", batchErr, zap.Int64("note_id", note.ID))
		return nil, batchErr
	}

	info, err := e.loadNoteInfo(ctx, note.ID)
	if err != nil {
		return nil, err
	}
	e.broadcast(info)
	if batchErr != nil {
		e.logError(opAddAttachments, "batch_partial", batchErr, zap.Int64("note_id", note.ID), zap.Int("saved", saved))
		return info, batchErr
	}
	return info, nil
}

func (e *Engine) attachOne(ctx context.Context, note *Note, upload Upload) error {
	attachment := Attachment{
		NoteID:  note.ID,
		OwnerID: note.OwnerID,
	}
	switch upload.Type {
	case AttachmentTypeURL:
		if strings.TrimSpace(upload.URL) == "" {
			return errMissingUploadValue
		}
		attachment.FileType = AttachmentTypeURL
		attachment.PathOrURL = upload.URL
		if name := strings.TrimSpace(upload.OriginalName); name != "" {
			attachment.FileName = &name
		}
	default:
		if upload.Reader == nil {
			return errMissingUploadValue
		}
		storedPath, err := e.store.Save(note.ID, note.OwnerID, upload.Reader, upload.OriginalName)
		if err != nil {
			return err
		}
		name := upload.OriginalName
		attachment.FileType = AttachmentTypeFile
		attachment.PathOrURL = storedPath
		attachment.FileName = &name
	}

	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := e.repo.WithTx(tx)
		if err := repo.CreateAttachment(ctx, &attachment); err != nil {
			return err
		}
		return repo.TouchNote(ctx, note.ID)
	})
	if txErr != nil && attachment.FileType == AttachmentTypeFile {
		// The row never landed; drop the orphan blob.
		if removeErr := e.store.Remove(attachment.PathOrURL); removeErr != nil {
			e.logError(opAddAttachments, "orphan_cleanup_failed", removeErr, zap.String("path", attachment.PathOrURL))
		}
	}
	return txErr
}

// RemoveAttachment deletes one attachment owned by ownerID. When the note is
// left with empty content and no attachments it is deleted too; a nil
// NoteInfo signals that the sentinel was broadcast.
func (e *Engine) RemoveAttachment(ctx context.Context, attachmentID, ownerID int64) (*NoteInfo, error) {
	attachment, err := e.repo.GetAttachment(ctx, attachmentID)
	if err != nil {
		return nil, err
	}
	if attachment.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	note, err := e.repo.GetNoteByID(ctx, attachment.NoteID)
	if err != nil {
		return nil, err
	}

	var noteDeleted bool
	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := e.repo.WithTx(tx)
		if err := repo.DeleteAttachment(ctx, attachmentID); err != nil {
			return err
		}
		remaining, err := repo.CountAttachments(ctx, note.ID)
		if err != nil {
			return err
		}
		if remaining == 0 && strings.TrimSpace(note.Content) == "" {
			if _, err := repo.DeleteNoteByID(ctx, note.ID); err != nil {
				return err
			}
			noteDeleted = true
			return nil
		}
		return repo.TouchNote(ctx, note.ID)
	})
	if txErr != nil {
		e.logError(opRemoveAttachment, "persist_failed", txErr, zap.Int64("attachment_id", attachmentID))
		return nil, txErr
	}

	if attachment.FileType == AttachmentTypeFile {
		if err := e.store.Remove(attachment.PathOrURL); err != nil {
			e.logError(opRemoveAttachment, "file_cleanup_failed", err, zap.String("path", attachment.PathOrURL))
		}
	}

	if noteDeleted {
		if err := e.store.RemoveFolder(note.ID, note.OwnerID); err != nil {
			e.logError(opRemoveAttachment, "folder_cleanup_failed", err, zap.Int64("note_id", note.ID))
		}
		sentinel := NewSentinelNoteInfo(note.VersionID, note.OwnerID, e.clock().UTC())
		e.broadcast(&sentinel)
		return nil, nil
	}

	info, err := e.loadNoteInfo(ctx, note.ID)
	if err != nil {
		return nil, err
	}
	e.broadcast(info)
	return info, nil
}

// DeleteNote removes a note by id on behalf of its owner; already-absent
// notes are a silent no-op.
func (e *Engine) DeleteNote(ctx context.Context, noteID, ownerID int64) error {
	note, err := e.repo.GetNoteByID(ctx, noteID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if note.OwnerID != ownerID {
		return ErrForbidden
	}

	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := e.repo.WithTx(tx).DeleteNoteByID(ctx, noteID)
		return err
	})
	if txErr != nil {
		e.logError(opDeleteNote, "persist_failed", txErr, zap.Int64("note_id", noteID))
		return txErr
	}

	if err := e.store.RemoveFolder(note.ID, note.OwnerID); err != nil {
		e.logError(opDeleteNote, "folder_cleanup_failed", err, zap.Int64("note_id", note.ID))
	}
	sentinel := NewSentinelNoteInfo(note.VersionID, note.OwnerID, e.clock().UTC())
	e.broadcast(&sentinel)
	return nil
}

// GetNoteInfo returns the wire shape for one (version, owner) slot.
func (e *Engine) GetNoteInfo(ctx context.Context, versionID, ownerID int64) (*NoteInfo, error) {
	note, err := e.repo.GetNote(ctx, versionID, ownerID)
	if err != nil {
		return nil, err
	}
	info := NewNoteInfo(note)
	return &info, nil
}

// GetNoteInfosForVersion lists every draft note on a version.
func (e *Engine) GetNoteInfosForVersion(ctx context.Context, versionID int64) ([]NoteInfo, error) {
	rows, err := e.repo.GetNotesForVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	return toNoteInfos(rows), nil
}

// GetNoteInfosByStep lists notes joined through versions by project and step.
func (e *Engine) GetNoteInfosByStep(ctx context.Context, projectID int64, stepName string) ([]NoteInfo, error) {
	rows, err := e.repo.GetNotesByStep(ctx, projectID, stepName)
	if err != nil {
		return nil, err
	}
	return toNoteInfos(rows), nil
}

func toNoteInfos(rows []Note) []NoteInfo {
	infos := make([]NoteInfo, 0, len(rows))
	for i := range rows {
		infos = append(infos, NewNoteInfo(&rows[i]))
	}
	return infos
}

func (e *Engine) loadNoteInfo(ctx context.Context, noteID int64) (*NoteInfo, error) {
	note, err := e.repo.GetNoteByID(ctx, noteID)
	if err != nil {
		return nil, err
	}
	info := NewNoteInfo(note)
	return &info, nil
}

func (e *Engine) broadcast(info *NoteInfo) {
	payload, err := json.Marshal(info)
	if err != nil {
		e.logError("draftnotes.broadcast", "marshal_failed", err, zap.Int64("version_id", info.VersionID))
		return
	}
	e.hub.Broadcast(info.VersionID, payload)
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("draft note engine error", attrs...)
}
