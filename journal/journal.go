// Package journal persists committed agreement events as a hash chain and
// queues each one on a transactional outbox for delivery.
package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/sha3"

	"agreementflow/events"
)

var (
	// ErrChainBroken signals a row whose hash or back-link does not verify.
	ErrChainBroken = errors.New("journal: hash chain broken")
	// ErrEmptyBatch signals Record was called with nothing to write.
	ErrEmptyBatch = errors.New("journal: empty batch")
)

// Genesis is the prev_hash of the first row.
var Genesis = make([]byte, sha3.New256().Size())

// Entry is one journal row.
type Entry struct {
	Seq        uint64
	Event      events.Event
	Body       []byte
	PrevHash   []byte
	Hash       []byte
	RecordedAt time.Time
}

// Filters narrows List. Zero values match everything.
type Filters struct {
	ActionID  uint64
	Type      events.Type
	AfterSeq  uint64
	Page      int
	PageSize  int
	SortOrder string
}

func (f *Filters) normalize() {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 || f.PageSize > 500 {
		f.PageSize = 50
	}
	if f.SortOrder != "desc" {
		f.SortOrder = "asc"
	}
}

type ListResult struct {
	Items []Entry
	Total int
}

// Lister pages through entries. PGReader and SQLJournal implement it.
type Lister interface {
	List(ctx context.Context, filters Filters) (ListResult, error)
}

// History reads every recorded event in journal order.
func History(ctx context.Context, l Lister) ([]events.Event, error) {
	return history(ctx, l, 500)
}

func history(ctx context.Context, l Lister, pageSize int) ([]events.Event, error) {
	var (
		out   []events.Event
		after uint64
	)
	for {
		res, err := l.List(ctx, Filters{AfterSeq: after, PageSize: pageSize})
		if err != nil {
			return nil, err
		}
		for _, entry := range res.Items {
			out = append(out, entry.Event)
			after = entry.Seq
		}
		if len(res.Items) < pageSize {
			return out, nil
		}
	}
}

// normalizeTime drops precision Postgres timestamptz cannot hold so a body
// re-derived from stored columns matches the sealed one.
func normalizeTime(ev events.Event) events.Event {
	ev.OccurredAt = ev.OccurredAt.UTC().Truncate(time.Microsecond)
	return ev
}

// canonical returns the RFC 8785 form of the event document.
func canonical(ev events.Event) ([]byte, error) {
	raw, err := json.Marshal(ev.Document())
	if err != nil {
		return nil, fmt.Errorf("journal: marshal event: %w", err)
	}
	body, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("journal: canonicalize event: %w", err)
	}
	return body, nil
}

func chainHash(prev, body []byte) []byte {
	h := sha3.New256()
	h.Write(prev)
	h.Write(body)
	return h.Sum(nil)
}

// seal returns the canonical body and chained hash of ev.
func seal(prev []byte, ev events.Event) (body, hash []byte, err error) {
	body, err = canonical(ev)
	if err != nil {
		return nil, nil, err
	}
	return body, chainHash(prev, body), nil
}

// chainVerifier checks rows fed to it in journal order.
type chainVerifier struct {
	prev  []byte
	count int
}

func newChainVerifier() *chainVerifier {
	return &chainVerifier{prev: Genesis}
}

func (v *chainVerifier) next(seq uint64, prevHash, body, hash []byte) error {
	if !bytes.Equal(prevHash, v.prev) {
		return fmt.Errorf("%w: seq %d does not link to its predecessor", ErrChainBroken, seq)
	}
	if !bytes.Equal(chainHash(prevHash, body), hash) {
		return fmt.Errorf("%w: seq %d hash mismatch", ErrChainBroken, seq)
	}
	v.prev = hash
	v.count++
	return nil
}

// decodeBody rebuilds an event from its canonical body.
func decodeBody(body []byte) (events.Event, error) {
	var doc struct {
		ID         string         `json:"id"`
		Seq        uint64         `json:"seq"`
		Type       string         `json:"type"`
		ActionID   uint64         `json:"action_id"`
		OccurredAt time.Time      `json:"occurred_at"`
		Payload    map[string]any `json:"payload"`
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return events.Event{}, fmt.Errorf("journal: decode body: %w", err)
	}
	return events.Event{
		ID:         doc.ID,
		Seq:        doc.Seq,
		Type:       events.Type(doc.Type),
		ActionID:   doc.ActionID,
		OccurredAt: doc.OccurredAt,
		Payload:    doc.Payload,
	}, nil
}
