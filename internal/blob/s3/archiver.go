package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/tokenpool/internal/domain"
)

// ledgerPageSize bounds how many ledger rows are held per store query.
const ledgerPageSize = 1000

// multipartThreshold is the payload size above which uploads switch to the
// multipart manager.
const multipartThreshold = 8 * 1024 * 1024

// ArchiveImpl implements domain.Archiver. Settlement reports are written as
// one JSON document per event and ledger windows as JSONL files.
//
// Archived rows are never removed from the primary store here.
type ArchiveImpl struct {
	writer domain.BlobWriter
	repos  domain.Repos
	now    func() time.Time
}

var _ domain.Archiver = (*ArchiveImpl)(nil)

// NewArchiver creates an ArchiveImpl reading from repos and uploading
// through writer.
func NewArchiver(writer domain.BlobWriter, repos domain.Repos) *ArchiveImpl {
	return &ArchiveImpl{writer: writer, repos: repos, now: time.Now}
}

// settlementDocument is the archived form of a resolved event.
type settlementDocument struct {
	Report     domain.SettlementReport `json:"report"`
	Stakes     []domain.Stake          `json:"stakes"`
	ArchivedAt time.Time               `json:"archived_at"`
}

// ArchiveSettlement uploads the report and every settled stake of the event to
// settlements/<event_id>.json and returns the object path. Re-archiving the
// same event overwrites the object with identical content.
func (a *ArchiveImpl) ArchiveSettlement(ctx context.Context, report domain.SettlementReport, stakes []domain.Stake) (string, error) {
	doc := settlementDocument{
		Report:     report,
		Stakes:     stakes,
		ArchivedAt: a.now().UTC(),
	}
	if doc.Stakes == nil {
		doc.Stakes = []domain.Stake{}
	}
	buf, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive settlement marshal: %w", err)
	}

	path := SettlementPath(report.EventID)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: archive settlement upload: %w", err)
	}
	return path, nil
}

// ArchiveLedger exports every ledger entry created in [since, until) to
// archive/ledger/<since>_<until>.jsonl. The archival is recorded in the audit
// log and the number of exported entries is returned.
func (a *ArchiveImpl) ArchiveLedger(ctx context.Context, since, until time.Time) (int64, error) {
	if !since.Before(until) {
		return 0, fmt.Errorf("s3blob: archive ledger: empty window %s..%s",
			since.Format(time.RFC3339), until.Format(time.RFC3339))
	}

	var (
		buf   bytes.Buffer
		count int64
	)
	opts := domain.ListOpts{Limit: ledgerPageSize, Since: &since, Until: &until}
	for {
		entries, err := a.repos.Ledger().List(ctx, opts)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive ledger query: %w", err)
		}
		if err := writeJSONL(&buf, entries); err != nil {
			return 0, fmt.Errorf("s3blob: archive ledger marshal: %w", err)
		}
		count += int64(len(entries))
		if len(entries) < ledgerPageSize {
			break
		}
		opts.Offset += ledgerPageSize
	}
	if count == 0 {
		return 0, nil
	}

	path := ledgerPath(since, until)
	body := bytes.NewReader(buf.Bytes())
	var err error
	if buf.Len() > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, body, 0)
	} else {
		err = a.writer.Put(ctx, path, body, "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive ledger upload: %w", err)
	}

	if err := a.repos.Audit().Log(ctx, "archive.ledger", map[string]any{
		"path":  path,
		"count": count,
		"since": since.UTC().Format(time.RFC3339),
		"until": until.UTC().Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive ledger audit log: %w", err)
	}
	return count, nil
}

// SettlementPrefix is the key prefix of archived settlements.
const SettlementPrefix = "settlements/"

// SettlementPath returns the object key of an archived settlement.
//
//	settlements/9b2c...json
func SettlementPath(eventID string) string {
	return SettlementPrefix + eventID + ".json"
}

// ledgerPath is the object key of a ledger window, named by its UTC bounds.
//
//	archive/ledger/20250101T000000Z_20250201T000000Z.jsonl
func ledgerPath(since, until time.Time) string {
	const layout = "20060102T150405Z"
	return fmt.Sprintf("archive/ledger/%s_%s.jsonl", since.UTC().Format(layout), until.UTC().Format(layout))
}

// writeJSONL appends records to buf as newline-delimited JSON.
func writeJSONL[T any](buf *bytes.Buffer, records []T) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return nil
}
