// Package tamper detects unauthorized changes to access policy files.
// Policies are TOML documents under a configured directory; Snapshot
// fingerprints them into the policy_snapshots collection, Verify
// compares stored fingerprints against the live files and classifies
// divergences, and Watch re-verifies on filesystem change.
package tamper

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ontoforge/oms/internal/schema"
)

// PolicyExt is the file extension tracked policies must carry.
const PolicyExt = ".toml"

// PolicyMeta is the [policy] table of a policy file.
type PolicyMeta struct {
	ID          string `toml:"id"`
	Name        string `toml:"name"`
	Version     string `toml:"version"`
	Description string `toml:"description"`

	// Signature is an optional detached signature over the rules,
	// issued by whatever signs policies upstream. The detector only
	// checks that it hasn't changed.
	Signature string `toml:"signature"`
}

// Rule is one [[rules]] entry. Effect is "allow" or "deny"; the other
// fields are matcher lists plus a free-form condition expression.
type Rule struct {
	Effect    string   `toml:"effect"`
	Actors    []string `toml:"actors"`
	Actions   []string `toml:"actions"`
	Resources []string `toml:"resources"`
	Condition string   `toml:"condition"`
}

// PolicyFile is a parsed policy document.
type PolicyFile struct {
	Policy PolicyMeta `toml:"policy"`
	Rules  []Rule     `toml:"rules"`
}

// ParsePolicy decodes a TOML policy document.
func ParsePolicy(data []byte) (*PolicyFile, error) {
	var p PolicyFile
	if err := toml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("toml: %w", err)
	}
	if p.Policy.ID == "" {
		return nil, fmt.Errorf("policy: missing policy.id")
	}
	return &p, nil
}

// contentTree is the canonical form of the rules, the part of a policy
// that grants or denies access. Metadata edits don't change it.
func (p *PolicyFile) contentTree() []any {
	rules := make([]any, 0, len(p.Rules))
	for _, r := range p.Rules {
		rules = append(rules, map[string]any{
			"effect":    r.Effect,
			"actors":    r.Actors,
			"actions":   r.Actions,
			"resources": r.Resources,
			"condition": r.Condition,
		})
	}
	return rules
}

// ContentHash fingerprints the rules only.
func (p *PolicyFile) ContentHash() (string, error) {
	return schema.Hash(p.contentTree())
}

// MetadataHash fingerprints the descriptive fields only.
func (p *PolicyFile) MetadataHash() (string, error) {
	return schema.Hash(map[string]any{
		"id":          p.Policy.ID,
		"name":        p.Policy.Name,
		"version":     p.Policy.Version,
		"description": p.Policy.Description,
	})
}

// SignatureHash fingerprints the signature, "" when unsigned.
func (p *PolicyFile) SignatureHash() string {
	if p.Policy.Signature == "" {
		return ""
	}
	return schema.HashBytes([]byte(p.Policy.Signature))
}

// injectionPatterns are substrings that have no business inside policy
// rules. eval/exec/system plus the usual process-spawn spellings.
var injectionPatterns = []string{
	"eval(",
	"exec(",
	"system(",
	"spawn(",
	"fork(",
	"popen(",
}

// FindInjection scans the rules for dangerous patterns and returns the
// first pattern found, or "".
func (p *PolicyFile) FindInjection() string {
	for _, r := range p.Rules {
		fields := make([]string, 0, 2+len(r.Actors)+len(r.Actions)+len(r.Resources))
		fields = append(fields, r.Effect, r.Condition)
		fields = append(fields, r.Actors...)
		fields = append(fields, r.Actions...)
		fields = append(fields, r.Resources...)
		for _, f := range fields {
			lower := strings.ToLower(f)
			for _, pat := range injectionPatterns {
				if strings.Contains(lower, pat) {
					return pat
				}
			}
		}
	}
	return ""
}

// Snapshot is the stored fingerprint of one policy file. Any change in
// content, metadata, or file bytes produces a different SnapshotHash.
type Snapshot struct {
	PolicyID      string
	Path          string
	ContentHash   string
	MetadataHash  string
	FileHash      string
	FileSize      int64
	FileMTime     time.Time
	SignatureHash string
	SnapshotHash  string
	TakenAt       time.Time
}

// NewSnapshot fingerprints a parsed policy together with its raw file.
func NewSnapshot(path string, raw []byte, mtime time.Time, p *PolicyFile, at time.Time) (*Snapshot, error) {
	contentHash, err := p.ContentHash()
	if err != nil {
		return nil, fmt.Errorf("policy %s: hash rules: %w", p.Policy.ID, err)
	}
	metaHash, err := p.MetadataHash()
	if err != nil {
		return nil, fmt.Errorf("policy %s: hash metadata: %w", p.Policy.ID, err)
	}
	s := &Snapshot{
		PolicyID:      p.Policy.ID,
		Path:          path,
		ContentHash:   contentHash,
		MetadataHash:  metaHash,
		FileHash:      schema.HashBytes(raw),
		FileSize:      int64(len(raw)),
		FileMTime:     mtime.UTC(),
		SignatureHash: p.SignatureHash(),
		TakenAt:       at.UTC(),
	}
	composite, err := schema.Hash(map[string]any{
		"content_hash":   s.ContentHash,
		"metadata_hash":  s.MetadataHash,
		"file_hash":      s.FileHash,
		"signature_hash": s.SignatureHash,
	})
	if err != nil {
		return nil, fmt.Errorf("policy %s: hash snapshot: %w", p.Policy.ID, err)
	}
	s.SnapshotHash = composite
	return s, nil
}
