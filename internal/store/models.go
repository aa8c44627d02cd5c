package store

import "time"

// ExportRecord is an audit row for one produced export. Rows are never updated.
type ExportRecord struct {
	ID         int64
	DraftID    string
	Format     string
	ContentKey string
	Filename   string
	SizeBytes  int
	URL        string
	CreatedAt  time.Time
}

// AssemblySnapshot is an assembly as it was persisted, plus the archive commit that
// holds the same content when archiving is enabled.
type AssemblySnapshot struct {
	ID          int64
	DraftID     string
	Body        string
	CSS         string
	SectionIDs  []string
	ExternalDoc string
	EmbedURL    string
	ArchiveHash string
	AssembledAt time.Time
	RecordedAt  time.Time
}
