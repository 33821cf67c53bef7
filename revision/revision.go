// Package revision implements CouchDB revision identifiers ("N-digest").
//
// A revision ID pairs a generation number with a content digest. Revisions of
// one document form a tree; the leaf chosen by Winner is the document's
// current revision.
package revision

import (
	"fmt"
	"strconv"
	"strings"
)

// RevisionError reports a malformed revision identifier
type RevisionError struct {
	RevID string
	Msg   string
}

func (e *RevisionError) Error() string {
	return fmt.Sprintf("invalid revision %q: %s", e.RevID, e.Msg)
}

// MaxGeneration bounds generation numbers accepted from the wire.
const MaxGeneration = 1 << 30

// Parse splits a revision ID into generation and digest.
func Parse(revID string) (generation int, digest string, err error) {
	dash := strings.IndexByte(revID, '-')
	if dash <= 0 || dash == len(revID)-1 {
		return 0, "", &RevisionError{RevID: revID, Msg: "expected <generation>-<digest>"}
	}
	gen, convErr := strconv.Atoi(revID[:dash])
	if convErr != nil || gen < 1 || gen > MaxGeneration {
		return 0, "", &RevisionError{RevID: revID, Msg: "generation out of range"}
	}
	return gen, revID[dash+1:], nil
}

// Generation returns the generation of revID, or 0 when it is malformed.
func Generation(revID string) int {
	gen, _, err := Parse(revID)
	if err != nil {
		return 0
	}
	return gen
}

// Valid reports whether revID is well formed.
func Valid(revID string) bool {
	_, _, err := Parse(revID)
	return err == nil
}

// Compare orders revision IDs by generation, then by digest.
func Compare(a, b string) int {
	ga, da, errA := Parse(a)
	gb, db, errB := Parse(b)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	switch {
	case ga < gb:
		return -1
	case ga > gb:
		return 1
	}
	return strings.Compare(da, db)
}

// Leaf is a revision without children in a document's tree.
type Leaf struct {
	RevID   string
	Deleted bool
}

// Winner picks the current revision among leaves: live revisions beat
// deletions, then the higher revision by Compare wins.
func Winner(leaves []Leaf) (Leaf, bool) {
	if len(leaves) == 0 {
		return Leaf{}, false
	}
	best := leaves[0]
	for _, l := range leaves[1:] {
		if best.Deleted != l.Deleted {
			if best.Deleted {
				best = l
			}
			continue
		}
		if Compare(l.RevID, best.RevID) > 0 {
			best = l
		}
	}
	return best, true
}

// HistoryFromRevisions expands a document's "_revisions" object
// ({"start": N, "ids": [...]}) into full revision IDs, newest first.
func HistoryFromRevisions(start int, ids []string) ([]string, error) {
	if start < len(ids) {
		return nil, fmt.Errorf("revision history start %d shorter than %d ids", start, len(ids))
	}
	history := make([]string, len(ids))
	for i, digest := range ids {
		history[i] = strconv.Itoa(start-i) + "-" + digest
	}
	return history, nil
}
