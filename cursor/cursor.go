// Package cursor models change-feed sequence tokens.
//
// A sequence is opaque to the replicator: CouchDB 1.x reports integers, later
// servers report strings. Both are carried as a Cursor, rendered back to the
// server verbatim in the since= parameter and persisted through the wire codec.
package cursor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
)

const (
	KindInteger = "integer"
	KindString  = "string"
)

// Cursor is a position in a change feed.
type Cursor interface {
	Kind() string
	// String is a human readable form, used in logs.
	String() string
	// QueryValue renders the cursor for the since= query parameter.
	QueryValue() string
}

// Codec for marshaling/unmarshaling cursors to a stable wire form.
type Codec interface {
	Kind() string
	Marshal(c Cursor) (json.RawMessage, error)      // returns the Data part only
	Unmarshal(data json.RawMessage) (Cursor, error) // parse Data into a Cursor
}

var (
	registry   = map[string]Codec{}
	registryMu sync.RWMutex
)

func init() {
	Register(integerCodec{})
	Register(stringCodec{})
}

func Register(c Codec) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[c.Kind()] = c
}

func Lookup(kind string) (Codec, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	cc, ok := registry[kind]
	return cc, ok
}

// Maximum allowed size for a wire cursor payload.
const maxWireCursorSize = 64 * 1024

// WireCursor is the persisted form of a cursor.
type WireCursor struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func MarshalWire(c Cursor) (*WireCursor, error) {
	if c == nil {
		return nil, errors.New("nil cursor")
	}
	codec, ok := Lookup(c.Kind())
	if !ok {
		return nil, fmt.Errorf("unknown cursor kind: %s", c.Kind())
	}
	data, err := codec.Marshal(c)
	if err != nil {
		return nil, err
	}
	return &WireCursor{Kind: codec.Kind(), Data: data}, nil
}

func ValidateWireCursor(wc *WireCursor) error {
	if wc == nil {
		return errors.New("nil wire cursor")
	}
	if len(wc.Data) > maxWireCursorSize {
		return fmt.Errorf("cursor payload too large: %d bytes", len(wc.Data))
	}
	if _, ok := Lookup(wc.Kind); !ok {
		return fmt.Errorf("unknown cursor kind: %s", wc.Kind)
	}
	return nil
}

func UnmarshalWire(wc *WireCursor) (Cursor, error) {
	if err := ValidateWireCursor(wc); err != nil {
		return nil, err
	}
	codec, _ := Lookup(wc.Kind)
	return codec.Unmarshal(wc.Data)
}

// Encode serializes c for a checkpoint column. A nil cursor encodes to "".
func Encode(c Cursor) (string, error) {
	if c == nil {
		return "", nil
	}
	wc, err := MarshalWire(c)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(wc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Decode is the inverse of Encode.
func Decode(s string) (Cursor, error) {
	if s == "" {
		return nil, nil
	}
	var wc WireCursor
	if err := json.Unmarshal([]byte(s), &wc); err != nil {
		return nil, fmt.Errorf("invalid stored cursor: %w", err)
	}
	return UnmarshalWire(&wc)
}

// FromJSON interprets a raw "seq" / "last_seq" value from the feed.
// JSON null yields a nil cursor.
func FromJSON(raw json.RawMessage) (Cursor, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("invalid sequence %s: %w", raw, err)
		}
		return StringCursor{Token: s}, nil
	case '[':
		// Some servers (BigCouch) report sequences as arrays; keep them verbatim.
		return StringCursor{Token: string(raw), Raw: true}, nil
	default:
		seq, err := strconv.ParseUint(string(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid sequence %s: %w", raw, err)
		}
		return IntegerCursor{Seq: seq}, nil
	}
}

// Compare orders two cursors. ok is false when they are not comparable,
// which is the case for anything but two integer cursors.
func Compare(a, b Cursor) (result int, ok bool) {
	ai, aok := a.(IntegerCursor)
	bi, bok := b.(IntegerCursor)
	if !aok || !bok {
		return 0, false
	}
	switch {
	case ai.Seq < bi.Seq:
		return -1, true
	case ai.Seq > bi.Seq:
		return 1, true
	}
	return 0, true
}

// Equal reports whether two cursors denote the same position.
func Equal(a, b Cursor) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Kind() == b.Kind() && a.QueryValue() == b.QueryValue()
}

// IntegerCursor is a numeric sequence.
type IntegerCursor struct {
	Seq uint64
}

func (IntegerCursor) Kind() string { return KindInteger }

func (ic IntegerCursor) String() string { return strconv.FormatUint(ic.Seq, 10) }

func (ic IntegerCursor) QueryValue() string { return ic.String() }

// StringCursor is an opaque server token.
type StringCursor struct {
	Token string
	// Raw marks a token that was not a JSON string on the wire (an array) and
	// must be sent back as JSON.
	Raw bool
}

func (StringCursor) Kind() string { return KindString }

func (sc StringCursor) String() string { return sc.Token }

func (sc StringCursor) QueryValue() string { return sc.Token }

type integerCodec struct{}

func (integerCodec) Kind() string { return KindInteger }

func (integerCodec) Marshal(c Cursor) (json.RawMessage, error) {
	ic, ok := c.(IntegerCursor)
	if !ok {
		return nil, fmt.Errorf("expected IntegerCursor, got %T", c)
	}
	return json.Marshal(ic.Seq)
}

func (integerCodec) Unmarshal(data json.RawMessage) (Cursor, error) {
	var seq uint64
	if err := json.Unmarshal(data, &seq); err != nil {
		return nil, err
	}
	return IntegerCursor{Seq: seq}, nil
}

type stringCodec struct{}

type stringWire struct {
	Token string `json:"token"`
	Raw   bool   `json:"raw,omitempty"`
}

func (stringCodec) Kind() string { return KindString }

func (stringCodec) Marshal(c Cursor) (json.RawMessage, error) {
	sc, ok := c.(StringCursor)
	if !ok {
		return nil, fmt.Errorf("expected StringCursor, got %T", c)
	}
	return json.Marshal(stringWire{Token: sc.Token, Raw: sc.Raw})
}

func (stringCodec) Unmarshal(data json.RawMessage) (Cursor, error) {
	var w stringWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return StringCursor{Token: w.Token, Raw: w.Raw}, nil
}

// NewInteger creates a new IntegerCursor with the given sequence number
func NewInteger(seq uint64) IntegerCursor {
	return IntegerCursor{Seq: seq}
}

// NewString creates a new StringCursor for an opaque token
func NewString(token string) StringCursor {
	return StringCursor{Token: token}
}
