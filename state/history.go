package state

import (
	"context"
	"encoding/binary"
	"encoding/json"

	executor "github.com/wippyai/wasm-executor"
	"github.com/wippyai/wasm-executor/errors"
)

// LogRingSize is the number of guest log lines kept per package. Older lines
// are overwritten.
const LogRingSize = 32 * 1024

// Page bounds.
const (
	DefaultPerPage = 100
	MaxPerPage     = 1000
)

var (
	actionPrefix = []byte("act/")
	actionCount  = []byte("act#")
	logPrefix    = []byte("log/")
	logMeta      = []byte("log#")
)

// ActionRecord is one committed contract action.
type ActionRecord struct {
	Index     uint64          `json:"index"`
	Action    string          `json:"action"`
	Payload   []byte          `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Nonce     uint64          `json:"nonce"`
	Status    executor.Status `json:"status"`
	Output    []byte          `json:"output,omitempty"`
	Events    int             `json:"events"`
	FuelUsed  uint64          `json:"fuel_used"`
}

// LogRecord is one persisted guest log line. Seq counts every line the
// package ever logged.
type LogRecord struct {
	Seq       uint64            `json:"seq"`
	Timestamp int64             `json:"timestamp"`
	Level     executor.LogLevel `json:"level"`
	Message   string            `json:"message"`
}

// Page selects a 1-based page of a history.
type Page struct {
	Number  uint64
	PerPage uint64
}

func (p Page) normalize() Page {
	if p.Number == 0 {
		p.Number = 1
	}
	if p.PerPage == 0 {
		p.PerPage = DefaultPerPage
	}
	if p.PerPage > MaxPerPage {
		p.PerPage = MaxPerPage
	}
	return p
}

// bounds returns the offsets of p within total elements.
func (p Page) bounds(total uint64) (from, to uint64) {
	if p.Number-1 > total/p.PerPage {
		return total, total
	}
	from = (p.Number - 1) * p.PerPage
	return from, min(from+p.PerPage, total)
}

// Paged is one page of a history, oldest first.
type Paged[T any] struct {
	Elements []T    `json:"elements"`
	Total    uint64 `json:"total_elements"`
	Page     uint64 `json:"page"`
	PerPage  uint64 `json:"per_page"`
}

type logRing struct {
	Start uint64 // seq of the oldest kept line
	End   uint64 // seq of the next line
}

func indexKey(prefix []byte, i uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte(nil), prefix...), i)
}

func decodeUint64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func decodeRing(b []byte) logRing {
	if len(b) < 16 {
		return logRing{}
	}
	return logRing{Start: binary.BigEndian.Uint64(b), End: binary.BigEndian.Uint64(b[8:])}
}

func (r logRing) encode() []byte {
	b := binary.BigEndian.AppendUint64(make([]byte, 0, 16), r.Start)
	return binary.BigEndian.AppendUint64(b, r.End)
}

// getSystem reads a system key, seeing the transaction's own writes.
func (t *Txn) getSystem(ctx context.Context, key []byte) ([]byte, bool, error) {
	full := systemKey(t.pkgID, key)
	t.mu.Lock()
	v, buffered := t.writes[string(full)]
	t.mu.Unlock()
	if buffered {
		return v, v != nil, nil
	}
	v, ok, err := t.store.backend.Get(ctx, full)
	if err != nil {
		return nil, false, errors.Store("get", err)
	}
	return v, ok, nil
}

func (t *Txn) putSystem(key, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return errors.InvalidInput("transaction already finished")
	}
	t.writes[string(systemKey(t.pkgID, key))] = value
	return nil
}

// AppendAction buffers rec as the next entry of the package's action log and
// returns its index. The record is committed or discarded with the
// transaction.
func (t *Txn) AppendAction(ctx context.Context, rec ActionRecord) (uint64, error) {
	raw, _, err := t.getSystem(ctx, actionCount)
	if err != nil {
		return 0, err
	}
	rec.Index = decodeUint64(raw)
	b, err := json.Marshal(rec)
	if err != nil {
		return 0, errors.Store("encode action record", err)
	}
	if err := t.putSystem(indexKey(actionPrefix, rec.Index), b); err != nil {
		return 0, err
	}
	next := binary.BigEndian.AppendUint64(nil, rec.Index+1)
	if err := t.putSystem(actionCount, next); err != nil {
		return 0, err
	}
	return rec.Index, nil
}

// AppendLogs buffers lines into the package's log ring, evicting the oldest
// lines past LogRingSize.
func (t *Txn) AppendLogs(ctx context.Context, lines []executor.LogLine) error {
	if len(lines) == 0 {
		return nil
	}
	raw, _, err := t.getSystem(ctx, logMeta)
	if err != nil {
		return err
	}
	ring := decodeRing(raw)
	for _, l := range lines {
		b, err := json.Marshal(LogRecord{Seq: ring.End, Timestamp: l.Timestamp, Level: l.Level, Message: l.Message})
		if err != nil {
			return errors.Store("encode log line", err)
		}
		if err := t.putSystem(indexKey(logPrefix, ring.End%LogRingSize), b); err != nil {
			return err
		}
		ring.End++
		if ring.End-ring.Start > LogRingSize {
			ring.Start = ring.End - LogRingSize
		}
	}
	return t.putSystem(logMeta, ring.encode())
}

// Actions returns a page of the committed action log of pkgID.
func (s *Store) Actions(ctx context.Context, pkgID string, page Page) (Paged[ActionRecord], error) {
	page = page.normalize()
	out := Paged[ActionRecord]{Elements: []ActionRecord{}, Page: page.Number, PerPage: page.PerPage}

	raw, _, err := s.backend.Get(ctx, systemKey(pkgID, actionCount))
	if err != nil {
		return out, errors.Store("get action count", err)
	}
	out.Total = decodeUint64(raw)
	from, to := page.bounds(out.Total)
	for i := from; i < to; i++ {
		var rec ActionRecord
		if err := s.getRecord(ctx, pkgID, indexKey(actionPrefix, i), &rec); err != nil {
			return out, err
		}
		out.Elements = append(out.Elements, rec)
	}
	return out, nil
}

// Logs returns a page of the persisted log lines of pkgID.
func (s *Store) Logs(ctx context.Context, pkgID string, page Page) (Paged[LogRecord], error) {
	page = page.normalize()
	out := Paged[LogRecord]{Elements: []LogRecord{}, Page: page.Number, PerPage: page.PerPage}

	raw, _, err := s.backend.Get(ctx, systemKey(pkgID, logMeta))
	if err != nil {
		return out, errors.Store("get log ring", err)
	}
	ring := decodeRing(raw)
	out.Total = ring.End - ring.Start
	from, to := page.bounds(out.Total)
	for seq := ring.Start + from; seq < ring.Start+to; seq++ {
		var rec LogRecord
		if err := s.getRecord(ctx, pkgID, indexKey(logPrefix, seq%LogRingSize), &rec); err != nil {
			return out, err
		}
		out.Elements = append(out.Elements, rec)
	}
	return out, nil
}

func (s *Store) getRecord(ctx context.Context, pkgID string, key []byte, v any) error {
	b, ok, err := s.backend.Get(ctx, systemKey(pkgID, key))
	if err != nil {
		return errors.Store("get", err)
	}
	if !ok {
		return errors.New(errors.ClassStore, errors.KindBackend).
			Package(pkgID).
			Detail("history entry %x missing", key).
			Build()
	}
	if err := json.Unmarshal(b, v); err != nil {
		return errors.Store("decode history entry", err)
	}
	return nil
}
