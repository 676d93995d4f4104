package tamper

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ontoforge/oms/internal/audit"
	"github.com/ontoforge/oms/internal/docstore"
)

// Tampering subtypes, classified from the mismatch between a stored
// snapshot and the live file.
const (
	// SubtypeUnauthorizedModification covers rule changes without a
	// matching re-snapshot, missing files, unregistered files, and
	// files that no longer parse.
	SubtypeUnauthorizedModification = "UNAUTHORIZED_MODIFICATION"

	// SubtypeSignatureMismatch means the policy signature changed or
	// was added/removed.
	SubtypeSignatureMismatch = "SIGNATURE_MISMATCH"

	// SubtypeContentInjection is a rule change that introduced a known
	// dangerous pattern (eval/exec/system/process-spawn).
	SubtypeContentInjection = "CONTENT_INJECTION"

	// SubtypeMetadataTampering is a change to name/version/description
	// with the rules intact.
	SubtypeMetadataTampering = "METADATA_TAMPERING"

	// SubtypeFileReplacement means the parsed document is unchanged but
	// the file bytes, size, or mtime diverged.
	SubtypeFileReplacement = "FILE_REPLACEMENT"

	// SubtypeHashCollision means the raw bytes hash to the stored value
	// yet the parsed rules differ. Defensive branch.
	SubtypeHashCollision = "HASH_COLLISION"
)

// TamperingEvent is one detected divergence. The JSON form is what the
// SIEM forwarder puts on the wire.
type TamperingEvent struct {
	Subtype    string    `json:"subtype"`
	PolicyID   string    `json:"policy_id,omitempty"`
	Path       string    `json:"path"`
	Detail     string    `json:"detail"`
	DetectedAt time.Time `json:"detected_at"`
}

// siemTimeout bounds one forward to the collector.
const siemTimeout = 5 * time.Second

// detectorActor identifies verification-driven audit records.
const detectorActor = "system:tamper"

// Detector fingerprints policy files and verifies them against the
// stored snapshots. siem may be nil; tampering is then logged locally.
type Detector struct {
	store docstore.Store
	audit *audit.Store
	siem  SIEM
	log   *logrus.Entry

	watchDebounce time.Duration
	now           func() time.Time
}

// NewDetector builds a detector. siem may be nil, log may be nil.
func NewDetector(store docstore.Store, aud *audit.Store, siem SIEM, log *logrus.Logger) *Detector {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Detector{
		store:         store,
		audit:         aud,
		siem:          siem,
		log:           log.WithField("component", "tamper"),
		watchDebounce: DefaultWatchDebounce,
		now:           time.Now,
	}
}

// policyEntry is one live file under the policy dir.
type policyEntry struct {
	base   string
	raw    []byte
	mtime  time.Time
	policy *PolicyFile
	err    error
}

func readPolicyDir(dir string) ([]policyEntry, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("policy dir %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("policy dir %s: not a directory", dir)
	}
	paths, err := filepath.Glob(filepath.Join(dir, "*"+PolicyExt))
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	entries := make([]policyEntry, 0, len(paths))
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		st, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		e := policyEntry{base: filepath.Base(p), raw: raw, mtime: st.ModTime()}
		e.policy, e.err = ParsePolicy(raw)
		entries = append(entries, e)
	}
	return entries, nil
}

func loadSnapshots(ctx context.Context, tx docstore.Tx) ([]*Snapshot, error) {
	it, err := tx.Query(ctx, docstore.Query{
		Collection: docstore.CollPolicySnapshots,
		OrderBy:    "path",
	})
	if err != nil {
		return nil, err
	}
	docs, err := docstore.All(it)
	if err != nil {
		return nil, err
	}
	snaps := make([]*Snapshot, 0, len(docs))
	for _, d := range docs {
		s, err := snapshotFromDoc(d)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, s)
	}
	return snaps, nil
}

// Snapshot re-baselines the policy dir: every parseable policy gets a
// fresh fingerprint, snapshots of removed files are dropped. Fails
// without writing when any file doesn't parse or two files claim the
// same policy id. Returns the number of policies fingerprinted.
func (d *Detector) Snapshot(ctx context.Context, dir, actor string) (int, error) {
	entries, err := readPolicyDir(dir)
	if err != nil {
		return 0, err
	}
	now := d.now().UTC()
	snaps := make([]*Snapshot, 0, len(entries))
	byID := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.err != nil {
			return 0, fmt.Errorf("parse %s: %w", e.base, e.err)
		}
		if prev, dup := byID[e.policy.Policy.ID]; dup {
			return 0, fmt.Errorf("policy id %s claimed by both %s and %s", e.policy.Policy.ID, prev, e.base)
		}
		byID[e.policy.Policy.ID] = e.base
		s, err := NewSnapshot(e.base, e.raw, e.mtime, e.policy, now)
		if err != nil {
			return 0, err
		}
		snaps = append(snaps, s)
	}

	err = d.store.RunInTransaction(ctx, func(tx docstore.Tx) error {
		existing, err := loadSnapshots(ctx, tx)
		if err != nil {
			return err
		}
		known := make(map[string]bool, len(existing))
		for _, s := range existing {
			known[s.PolicyID] = true
		}
		seen := make(map[string]bool, len(snaps))
		for _, s := range snaps {
			seen[s.PolicyID] = true
			if known[s.PolicyID] {
				if err := tx.Replace(ctx, docstore.CollPolicySnapshots, snapshotToDoc(s)); err != nil {
					return err
				}
				continue
			}
			if err := tx.Insert(ctx, docstore.CollPolicySnapshots, snapshotToDoc(s)); err != nil {
				return err
			}
		}
		for _, s := range existing {
			if !seen[s.PolicyID] {
				if err := tx.Delete(ctx, docstore.CollPolicySnapshots, s.PolicyID); err != nil {
					return err
				}
			}
		}
		return d.audit.InsertTx(ctx, tx, &audit.Event{
			Action:     audit.ActionPolicySnapshot,
			ActorID:    actor,
			TargetKind: "policy_dir",
			TargetID:   dir,
			Success:    true,
			Metadata:   map[string]any{"policies": len(snaps)},
		})
	})
	if err != nil {
		return 0, fmt.Errorf("snapshot policies: %w", err)
	}
	d.log.WithFields(logrus.Fields{"dir": dir, "policies": len(snaps)}).Info("Policy snapshot taken")
	return len(snaps), nil
}

// classify compares a stored snapshot with the live fingerprint of the
// same file. nil means clean.
func classify(stored, live *Snapshot, p *PolicyFile) *TamperingEvent {
	switch {
	case stored.FileHash == live.FileHash && stored.ContentHash != live.ContentHash:
		return &TamperingEvent{
			Subtype:  SubtypeHashCollision,
			PolicyID: stored.PolicyID,
			Detail:   fmt.Sprintf("file hash %s unchanged but rules differ", stored.FileHash),
		}
	case stored.SignatureHash != live.SignatureHash:
		return &TamperingEvent{
			Subtype:  SubtypeSignatureMismatch,
			PolicyID: stored.PolicyID,
			Detail:   "policy signature changed",
		}
	case stored.ContentHash != live.ContentHash:
		if pat := p.FindInjection(); pat != "" {
			return &TamperingEvent{
				Subtype:  SubtypeContentInjection,
				PolicyID: stored.PolicyID,
				Detail:   fmt.Sprintf("rules changed and contain dangerous pattern %q", pat),
			}
		}
		return &TamperingEvent{
			Subtype:  SubtypeUnauthorizedModification,
			PolicyID: stored.PolicyID,
			Detail:   "rules changed without re-snapshot",
		}
	case stored.MetadataHash != live.MetadataHash:
		return &TamperingEvent{
			Subtype:  SubtypeMetadataTampering,
			PolicyID: stored.PolicyID,
			Detail:   "policy metadata changed, rules intact",
		}
	case stored.FileHash != live.FileHash ||
		stored.FileSize != live.FileSize ||
		!stored.FileMTime.Equal(live.FileMTime):
		return &TamperingEvent{
			Subtype:  SubtypeFileReplacement,
			PolicyID: stored.PolicyID,
			Detail:   "file bytes or stat diverged, parsed document unchanged",
		}
	}
	return nil
}

// Verify compares every stored snapshot against the live policy dir
// and returns the detected tampering events. Each event is written to
// the audit store and forwarded to the SIEM collector when one is
// configured, else logged locally.
func (d *Detector) Verify(ctx context.Context, dir string) ([]TamperingEvent, error) {
	entries, err := readPolicyDir(dir)
	if err != nil {
		return nil, err
	}
	stored, err := loadSnapshots(ctx, d.store)
	if err != nil {
		return nil, fmt.Errorf("load policy snapshots: %w", err)
	}

	liveByPath := make(map[string]policyEntry, len(entries))
	for _, e := range entries {
		liveByPath[e.base] = e
	}

	now := d.now().UTC()
	var events []TamperingEvent
	registered := make(map[string]bool, len(stored))
	for _, snap := range stored {
		registered[snap.Path] = true
		path := filepath.Join(dir, snap.Path)
		live, ok := liveByPath[snap.Path]
		if !ok {
			events = append(events, TamperingEvent{
				Subtype:    SubtypeUnauthorizedModification,
				PolicyID:   snap.PolicyID,
				Path:       path,
				Detail:     "policy file missing",
				DetectedAt: now,
			})
			continue
		}
		if live.err != nil {
			events = append(events, TamperingEvent{
				Subtype:    SubtypeUnauthorizedModification,
				PolicyID:   snap.PolicyID,
				Path:       path,
				Detail:     fmt.Sprintf("policy no longer parses: %v", live.err),
				DetectedAt: now,
			})
			continue
		}
		fresh, err := NewSnapshot(live.base, live.raw, live.mtime, live.policy, now)
		if err != nil {
			return nil, err
		}
		if ev := classify(snap, fresh, live.policy); ev != nil {
			ev.Path = path
			ev.DetectedAt = now
			events = append(events, *ev)
		}
	}
	for _, e := range entries {
		if registered[e.base] {
			continue
		}
		ev := TamperingEvent{
			Subtype:    SubtypeUnauthorizedModification,
			Path:       filepath.Join(dir, e.base),
			Detail:     "policy file not registered",
			DetectedAt: now,
		}
		if e.err == nil {
			ev.PolicyID = e.policy.Policy.ID
		}
		events = append(events, ev)
	}

	for _, ev := range events {
		d.emit(ctx, ev)
	}
	if len(events) == 0 {
		d.log.WithFields(logrus.Fields{"dir": dir, "policies": len(stored)}).Debug("Policy verification clean")
	}
	return events, nil
}

// emit records one tampering event: audit always, then SIEM when
// configured, local log otherwise.
func (d *Detector) emit(ctx context.Context, ev TamperingEvent) {
	ae := &audit.Event{
		Action:       audit.ActionPolicyTampering,
		ActorID:      detectorActor,
		ActorService: true,
		TargetKind:   "policy",
		TargetID:     ev.PolicyID,
		Success:      false,
		ErrorCode:    ev.Subtype,
		ErrorMessage: ev.Detail,
		Metadata:     map[string]any{"path": ev.Path},
	}
	if err := d.audit.Insert(ctx, ae); err != nil {
		d.log.WithError(err).Error("Failed to audit tampering event")
	}
	if d.siem == nil {
		d.log.WithFields(logrus.Fields{
			"subtype":   ev.Subtype,
			"policy_id": ev.PolicyID,
			"path":      ev.Path,
			"detail":    ev.Detail,
		}).Warn("Policy tampering detected")
		return
	}
	sctx, cancel := context.WithTimeout(ctx, siemTimeout)
	defer cancel()
	if err := d.siem.Send(sctx, ev); err != nil {
		d.log.WithError(err).WithField("subtype", ev.Subtype).Error("Failed to forward tampering event to SIEM")
	}
}
