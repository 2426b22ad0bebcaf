package draftnotes

import (
	"time"
)

// AttachmentType enumerates supported attachment kinds.
type AttachmentType string

const (
	// AttachmentTypeFile marks an attachment backed by bytes on disk.
	AttachmentTypeFile AttachmentType = "file"
	// AttachmentTypeURL marks an attachment that is only a link.
	AttachmentTypeURL AttachmentType = "url"
)

// User mirrors a production-tracking identity. The external service is
// authoritative; rows here are created on first successful login.
type User struct {
	ID       int64  `gorm:"column:id;primaryKey"`
	Username string `gorm:"column:username;size:320;index"`
	Login    string `gorm:"column:login;size:190;uniqueIndex"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

// Version mirrors an external render/review entity. Rows are upserted whenever
// a note references the version, never created independently.
type Version struct {
	ID        int64  `gorm:"column:id;primaryKey"`
	Name      string `gorm:"column:name;size:320;index"`
	StepName  string `gorm:"column:step_name;size:190;index"`
	ProjectID int64  `gorm:"column:project_id;index"`
}

// TableName provides the explicit table binding for GORM.
func (Version) TableName() string {
	return "versions"
}

// Note holds one reviewer's draft note for one version. The collaboration
// invariant is at most one row per (version_id, owner_id) pair.
type Note struct {
	ID          int64        `gorm:"column:id;primaryKey;autoIncrement"`
	VersionID   int64        `gorm:"column:version_id;not null;uniqueIndex:idx_notes_version_owner,priority:1"`
	OwnerID     int64        `gorm:"column:owner_id;not null;uniqueIndex:idx_notes_version_owner,priority:2"`
	Content     string       `gorm:"column:content;type:text;not null"`
	CreatedAt   time.Time    `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time    `gorm:"column:updated_at;index"`
	Owner       *User        `gorm:"foreignKey:OwnerID"`
	Version     *Version     `gorm:"foreignKey:VersionID"`
	Attachments []Attachment `gorm:"foreignKey:NoteID;constraint:OnDelete:CASCADE"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// Attachment is owned exclusively by its note; file-type rows point at bytes
// managed by the AttachmentStore.
type Attachment struct {
	ID        int64          `gorm:"column:id;primaryKey;autoIncrement"`
	NoteID    int64          `gorm:"column:note_id;not null;index"`
	OwnerID   int64          `gorm:"column:owner_id;not null"`
	FileType  AttachmentType `gorm:"column:file_type;size:16;not null"`
	PathOrURL string         `gorm:"column:path_or_url;size:1024;not null"`
	FileName  *string        `gorm:"column:file_name;size:512"`
	CreatedAt time.Time      `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Attachment) TableName() string {
	return "attachments"
}

// VersionMeta carries the external version metadata supplied alongside a save.
type VersionMeta struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	StepName  string `json:"step_name"`
	ProjectID int64  `json:"project_id"`
}

// UserInfo is the wire shape of a note owner.
type UserInfo struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Login    string `json:"login"`
}

// AttachmentInfo is the wire shape of one attachment.
type AttachmentInfo struct {
	ID               int64   `json:"id"`
	AttachmentType   string  `json:"attachment_type"`
	PathOrURL        string  `json:"path_or_url"`
	OriginalFilename *string `json:"original_filename,omitempty"`
}

// NoteInfo is the wire shape broadcast to subscribers and returned to callers.
type NoteInfo struct {
	ID          int64            `json:"id"`
	VersionID   int64            `json:"version_id"`
	Content     string           `json:"content"`
	UpdatedAt   time.Time        `json:"updated_at"`
	Owner       UserInfo         `json:"owner"`
	Attachments []AttachmentInfo `json:"attachments"`
}

// NewNoteInfo maps a loaded note row onto the wire shape.
func NewNoteInfo(note *Note) NoteInfo {
	info := NoteInfo{
		ID:          note.ID,
		VersionID:   note.VersionID,
		Content:     note.Content,
		UpdatedAt:   note.UpdatedAt,
		Owner:       UserInfo{ID: note.OwnerID},
		Attachments: make([]AttachmentInfo, 0, len(note.Attachments)),
	}
	if note.Owner != nil {
		info.Owner.Username = note.Owner.Username
		info.Owner.Login = note.Owner.Login
	}
	for _, attachment := range note.Attachments {
		info.Attachments = append(info.Attachments, AttachmentInfo{
			ID:               attachment.ID,
			AttachmentType:   string(attachment.FileType),
			PathOrURL:        attachment.PathOrURL,
			OriginalFilename: attachment.FileName,
		})
	}
	return info
}

// NewSentinelNoteInfo builds the synthetic empty payload (id=0) broadcast to
// signal note removal to connected clients.
func NewSentinelNoteInfo(versionID, ownerID int64, at time.Time) NoteInfo {
	return NoteInfo{
		ID:          0,
		VersionID:   versionID,
		Content:     "",
		UpdatedAt:   at,
		Owner:       UserInfo{ID: ownerID},
		Attachments: []AttachmentInfo{},
	}
}
