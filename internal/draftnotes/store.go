package draftnotes

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var (
	errMissingBaseDir  = errors.New("attachment base directory is required")
	errOutsideBaseDir  = errors.New("path escapes attachment base directory")
	errMissingUploader = errors.New("upload stream is required")
)

// AttachmentStore keeps uploaded file bytes on disk, scoped by
// (note id, owner id). Storage names are generated so they never collide with
// or leak the client-supplied filename.
type AttachmentStore struct {
	baseDir string
}

// NewAttachmentStore creates the base directory idempotently and returns the
// store rooted at it.
func NewAttachmentStore(baseDir string) (*AttachmentStore, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errMissingBaseDir
	}
	absolute, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absolute, 0o755); err != nil {
		return nil, newStorageError("create_base_dir", err)
	}
	return &AttachmentStore{baseDir: absolute}, nil
}

// BaseDir exposes the resolved storage root.
func (s *AttachmentStore) BaseDir() string {
	return s.baseDir
}

// Save writes the upload under the (noteID, ownerID) folder using a random
// storage name that keeps only the original extension. The original name is
// display metadata owned by the caller, never part of the path.
func (s *AttachmentStore) Save(noteID, ownerID int64, upload io.Reader, originalName string) (string, error) {
	if upload == nil {
		return "", errMissingUploader
	}
	folder := s.folderPath(noteID, ownerID)
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return "", newStorageError("create_attachment_dir", err)
	}

	storedName := uuid.NewString() + sanitizeExtension(originalName)
	storedPath := filepath.Join(folder, storedName)

	file, err := os.Create(storedPath)
	if err != nil {
		return "", newStorageError("create_attachment_file", err)
	}
	if _, err := io.Copy(file, upload); err != nil {
		file.Close()
		os.Remove(storedPath)
		return "", newStorageError("write_attachment_file", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(storedPath)
		return "", newStorageError("close_attachment_file", err)
	}
	return storedPath, nil
}

// Remove deletes one stored file. A missing file is not an error.
func (s *AttachmentStore) Remove(storedPath string) error {
	if err := s.ensureInsideBase(storedPath); err != nil {
		return err
	}
	if err := os.Remove(storedPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return newStorageError("remove_attachment_file", err)
	}
	return nil
}

// RemoveFolder recursively deletes the (noteID, ownerID) directory. A missing
// directory is not an error.
func (s *AttachmentStore) RemoveFolder(noteID, ownerID int64) error {
	if err := os.RemoveAll(s.folderPath(noteID, ownerID)); err != nil {
		return newStorageError("remove_attachment_dir", err)
	}
	return nil
}

func (s *AttachmentStore) folderPath(noteID, ownerID int64) string {
	return filepath.Join(s.baseDir, fmt.Sprintf("%d_%d", noteID, ownerID))
}

func (s *AttachmentStore) ensureInsideBase(path string) error {
	absolute, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if absolute != s.baseDir && !strings.HasPrefix(absolute, s.baseDir+string(os.PathSeparator)) {
		return errOutsideBaseDir
	}
	return nil
}

// sanitizeExtension keeps a plausible extension from the client-supplied name
// and discards everything else.
func sanitizeExtension(originalName string) string {
	ext := filepath.Ext(filepath.Base(originalName))
	if len(ext) > 16 || strings.ContainsAny(ext, `/\`) {
		return ""
	}
	return ext
}
