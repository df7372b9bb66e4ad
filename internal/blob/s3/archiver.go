package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sentinelmarkets/sentinel/internal/domain"
)

// Verifier reads back the metadata of an uploaded object. The retention
// job only prunes after a successful archive, so the upload is checked
// back rather than trusted: it must exist and carry the full byte count.
type Verifier interface {
	Stat(ctx context.Context, path string) (domain.BlobInfo, error)
}

// archiveContentType is the MIME type of the JSONL exports.
const archiveContentType = "application/x-ndjson"

// multipartCutover is the batch size above which uploads switch from a
// single PutObject to the multipart path.
const multipartCutover = 8 * 1024 * 1024

// ArchiveImpl implements domain.Archiver: it queries aged records,
// serializes them to JSONL, uploads the result, and records the archival
// in the audit log.
//
// Rule archives are snapshots: rules are never deleted from the primary
// store, so each run re-exports every terminal rule older than the cutoff.
// Audit archives are incremental because the retention job prunes entries
// after a verified upload.
type ArchiveImpl struct {
	writer   domain.BlobWriter
	verify   Verifier // nil skips the read-back check
	rules    domain.RuleArchiveStore
	audit    domain.AuditStore
	prefix   string
	cutover  int
	partSize int64
}

// NewArchiver creates an ArchiveImpl writing under prefix ("archive" when
// empty). verify may be nil.
func NewArchiver(
	writer domain.BlobWriter,
	verify Verifier,
	rules domain.RuleArchiveStore,
	audit domain.AuditStore,
	prefix string,
) *ArchiveImpl {
	if prefix == "" {
		prefix = "archive"
	}
	return &ArchiveImpl{
		writer:   writer,
		verify:   verify,
		rules:    rules,
		audit:    audit,
		prefix:   strings.TrimSuffix(prefix, "/"),
		cutover:  multipartCutover,
		partSize: minPartSize,
	}
}

var _ domain.Archiver = (*ArchiveImpl)(nil)

// ArchiveRules exports all terminal rules last updated before the cutoff
// to {prefix}/rules/YYYY-MM-DD.jsonl and returns the record count.
func (a *ArchiveImpl) ArchiveRules(ctx context.Context, before time.Time) (int64, error) {
	rules, err := a.rules.ListTerminalBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive rules query: %w", err)
	}
	if len(rules) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(rules)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive rules marshal: %w", err)
	}

	path := a.archivePath("rules", before)
	if err := a.upload(ctx, path, buf); err != nil {
		return 0, fmt.Errorf("s3blob: archive rules: %w", err)
	}

	count := int64(len(rules))
	if err := a.audit.Log(ctx, "", domain.EventArchiveRules, map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive rules audit log: %w", err)
	}

	return count, nil
}

// ArchiveAudit exports all audit entries created before the cutoff to
// {prefix}/audit/YYYY-MM-DD.jsonl and returns the record count. Pruning is
// the caller's step, taken only after this returns without error.
func (a *ArchiveImpl) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.audit.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}

	path := a.archivePath("audit", before)
	if err := a.upload(ctx, path, buf); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit: %w", err)
	}

	count := int64(len(entries))
	if err := a.audit.Log(ctx, "", domain.EventArchiveAudit, map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive audit audit log: %w", err)
	}

	return count, nil
}

// upload puts the object and reads it back through the verifier when one
// is configured. Batches past the cutover size go through the multipart
// path; a month of audit on a busy book easily exceeds it.
func (a *ArchiveImpl) upload(ctx context.Context, path string, buf []byte) error {
	var err error
	if len(buf) >= a.cutover {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), archiveContentType, a.partSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), archiveContentType)
	}
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	if a.verify != nil {
		info, err := a.verify.Stat(ctx, path)
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("verify %s: object missing after upload", path)
		}
		if err != nil {
			return fmt.Errorf("verify %s: %w", path, err)
		}
		if info.Size != int64(len(buf)) {
			return fmt.Errorf("verify %s: size mismatch after upload: stored %d, wrote %d",
				path, info.Size, len(buf))
		}
	}

	return nil
}

// archivePath builds the object key for an archive file, partitioned by
// the cutoff day.
//
//	archive/rules/2026-08-23.jsonl
//	archive/audit/2026-08-23.jsonl
func (a *ArchiveImpl) archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("%s/%s/%s.jsonl", a.prefix, kind, before.UTC().Format("2006-01-02"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON
// (JSONL). Each element is marshalled as a single compact JSON line
// followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
