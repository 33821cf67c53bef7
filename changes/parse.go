package changes

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/c0deZ3R0/couchpull/cursor"
)

var errMalformed = errors.New("malformed changes feed")

type changeRow struct {
	Seq     json.RawMessage `json:"seq"`
	ID      string          `json:"id"`
	Changes []struct {
		Rev string `json:"rev"`
	} `json:"changes"`
	Deleted bool `json:"deleted"`

	LastSeq json.RawMessage `json:"last_seq"`
	Error   string          `json:"error"`
	Reason  string          `json:"reason"`
}

type feedResponse struct {
	Results []json.RawMessage `json:"results"`
	LastSeq json.RawMessage   `json:"last_seq"`
	Pending *int64            `json:"pending"`
	Error   string            `json:"error"`
	Reason  string            `json:"reason"`
}

// rowKind tells a change apart from the stream terminator.
type rowKind int

const (
	rowChange rowKind = iota
	rowLastSeq
)

// parseRow decodes one change row.
func parseRow(raw []byte) (rowKind, Entry, cursor.Cursor, error) {
	var row changeRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return 0, Entry{}, nil, fmt.Errorf("%w: invalid change row: %w", errMalformed, err)
	}
	if row.Error != "" {
		return 0, Entry{}, nil, fmt.Errorf("%w: feed reported %s: %s", errMalformed, row.Error, row.Reason)
	}
	if len(row.LastSeq) > 0 && len(row.Seq) == 0 {
		seq, err := cursor.FromJSON(row.LastSeq)
		if err != nil {
			return 0, Entry{}, nil, fmt.Errorf("%w: %w", errMalformed, err)
		}
		return rowLastSeq, Entry{}, seq, nil
	}

	seq, err := cursor.FromJSON(row.Seq)
	if err != nil {
		return 0, Entry{}, nil, fmt.Errorf("%w: %w", errMalformed, err)
	}
	if seq == nil {
		return 0, Entry{}, nil, fmt.Errorf("%w: change row without seq: %s", errMalformed, truncate(raw))
	}
	if row.ID == "" || len(row.Changes) == 0 || row.Changes[0].Rev == "" {
		return 0, Entry{}, nil, fmt.Errorf("%w: change row without id or revision: %s", errMalformed, truncate(raw))
	}

	entry := Entry{
		Sequence: seq,
		DocID:    row.ID,
		RevID:    row.Changes[0].Rev,
		Deleted:  row.Deleted,
	}
	for _, c := range row.Changes[1:] {
		if c.Rev != "" && c.Rev != entry.RevID {
			entry.Conflicts = append(entry.Conflicts, c.Rev)
		}
	}
	return rowChange, entry, seq, nil
}

// parseResponse decodes a normal or longpoll response body.
func parseResponse(r io.Reader) ([]Entry, cursor.Cursor, error) {
	var resp feedResponse
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return nil, nil, fmt.Errorf("%w: invalid changes response: %w", errMalformed, err)
	}
	if resp.Error != "" {
		return nil, nil, fmt.Errorf("%w: feed reported %s: %s", errMalformed, resp.Error, resp.Reason)
	}
	if resp.Results == nil {
		return nil, nil, fmt.Errorf("%w: changes response has no results", errMalformed)
	}

	entries := make([]Entry, 0, len(resp.Results))
	for _, raw := range resp.Results {
		kind, entry, _, err := parseRow(raw)
		if err != nil {
			return nil, nil, err
		}
		if kind == rowChange {
			entries = append(entries, entry)
		}
	}
	lastSeq, err := cursor.FromJSON(resp.LastSeq)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", errMalformed, err)
	}
	return entries, lastSeq, nil
}

// lineHandler receives one change. It returns false to stop reading.
type lineHandler func(entry Entry) bool

// streamStats reports what a stream produced before it ended.
type streamStats struct {
	lines     int
	rows      int
	endedWith cursor.Cursor
}

func newScanner(r io.Reader, maxLine int) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	initial := 64 << 10
	if maxLine < initial {
		initial = maxLine
	}
	sc.Buffer(make([]byte, 0, initial), maxLine)
	return sc
}

// readContinuous reads newline-delimited rows. Blank lines are heartbeats; a
// last_seq row ends the stream.
func readContinuous(r io.Reader, maxLine int, handle lineHandler) (streamStats, error) {
	var stats streamStats
	sc := newScanner(r, maxLine)
	for sc.Scan() {
		stats.lines++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		kind, entry, seq, err := parseRow(line)
		if err != nil {
			return stats, err
		}
		if kind == rowLastSeq {
			stats.endedWith = seq
			return stats, nil
		}
		stats.rows++
		if !handle(entry) {
			return stats, nil
		}
	}
	return stats, sc.Err()
}

var dataPrefix = []byte("data:")

// readEventSource reads Server-Sent Events. Each data line carries one row;
// other fields and empty data lines (heartbeats) are skipped.
func readEventSource(r io.Reader, maxLine int, handle lineHandler) (streamStats, error) {
	var stats streamStats
	sc := newScanner(r, maxLine)
	for sc.Scan() {
		stats.lines++
		line := sc.Bytes()
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := bytes.TrimSpace(bytes.TrimPrefix(line, dataPrefix))
		if len(payload) == 0 {
			continue
		}
		kind, entry, seq, err := parseRow(payload)
		if err != nil {
			return stats, err
		}
		if kind == rowLastSeq {
			stats.endedWith = seq
			return stats, nil
		}
		stats.rows++
		if !handle(entry) {
			return stats, nil
		}
	}
	return stats, sc.Err()
}

func truncate(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
