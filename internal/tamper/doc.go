package tamper

import (
	"fmt"

	"github.com/ontoforge/oms/internal/docstore"
)

func snapshotToDoc(s *Snapshot) docstore.Document {
	d := docstore.Document{
		docstore.IDField: s.PolicyID,
		"policy_id":      s.PolicyID,
		"path":           s.Path,
		"content_hash":   s.ContentHash,
		"metadata_hash":  s.MetadataHash,
		"file_hash":      s.FileHash,
		"file_size":      s.FileSize,
		"file_mtime":     docstore.FormatTime(s.FileMTime),
		"snapshot_hash":  s.SnapshotHash,
		"taken_at":       docstore.FormatTime(s.TakenAt),
	}
	if s.SignatureHash != "" {
		d["signature_hash"] = s.SignatureHash
	}
	return d
}

func snapshotFromDoc(d docstore.Document) (*Snapshot, error) {
	if d.ID() == "" {
		return nil, fmt.Errorf("policy snapshot document missing id")
	}
	mtime, err := docstore.ParseTime(d.Str("file_mtime"))
	if err != nil {
		return nil, fmt.Errorf("policy snapshot %s: bad file_mtime: %w", d.ID(), err)
	}
	takenAt, err := docstore.ParseTime(d.Str("taken_at"))
	if err != nil {
		return nil, fmt.Errorf("policy snapshot %s: bad taken_at: %w", d.ID(), err)
	}
	return &Snapshot{
		PolicyID:      d.ID(),
		Path:          d.Str("path"),
		ContentHash:   d.Str("content_hash"),
		MetadataHash:  d.Str("metadata_hash"),
		FileHash:      d.Str("file_hash"),
		FileSize:      d.Int64("file_size"),
		FileMTime:     mtime,
		SignatureHash: d.Str("signature_hash"),
		SnapshotHash:  d.Str("snapshot_hash"),
		TakenAt:       takenAt,
	}, nil
}
