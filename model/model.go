// Package model maps replicated documents onto Go types. Fields are matched
// by their json tag, the same names the documents carry on the server.
package model

import (
	"context"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"

	syncErrors "github.com/c0deZ3R0/couchpull/errors"
	"github.com/c0deZ3R0/couchpull/storage"
)

const component = "model"

// ToProperties converts a struct into a document body. Nested structs
// become nested maps, so timestamps belong in string fields.
func ToProperties(v any) (map[string]any, error) {
	if v == nil {
		return nil, syncErrors.E(syncErrors.OpStore, syncErrors.Component(component), syncErrors.KindInvalid,
			"cannot convert nil to properties")
	}
	out := make(map[string]any)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  &out,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(v); err != nil {
		return nil, syncErrors.E(syncErrors.OpStore, syncErrors.Component(component), syncErrors.KindInvalid, err)
	}
	return out, nil
}

// FromProperties decodes a document body into out, which must be a pointer.
// Keys without a matching field are ignored; JSON numbers convert to any
// numeric field and RFC 3339 strings to time.Time.
func FromProperties(props map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  out,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return syncErrors.E(syncErrors.OpLoad, syncErrors.Component(component), syncErrors.KindInvalid, err)
	}
	if err := dec.Decode(props); err != nil {
		return syncErrors.E(syncErrors.OpLoad, syncErrors.Component(component), syncErrors.KindInvalid, err)
	}
	return nil
}

// Entity is a decoded document.
type Entity[T any] struct {
	ID          string
	Rev         string
	Value       T
	Attachments map[string]storage.Attachment
}

// Repository reads documents of one type from a local store.
type Repository[T any] struct {
	reader storage.DocumentReader
	// Match selects the documents of this type. nil accepts every document.
	Match func(id string, props map[string]any) bool
}

func NewRepository[T any](reader storage.DocumentReader) *Repository[T] {
	return &Repository[T]{reader: reader}
}

// NewTypedRepository accepts only documents whose "type" property equals
// typeName.
func NewTypedRepository[T any](reader storage.DocumentReader, typeName string) *Repository[T] {
	return &Repository[T]{
		reader: reader,
		Match: func(_ string, props map[string]any) bool {
			return props["type"] == typeName
		},
	}
}

// Get loads and decodes one document. Deleted documents and documents the
// repository does not match are reported as not found.
func (r *Repository[T]) Get(ctx context.Context, id string) (*Entity[T], error) {
	doc, err := r.reader.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.Deleted || (r.Match != nil && !r.Match(doc.ID, doc.Body)) {
		return nil, syncErrors.E(syncErrors.OpLoad, syncErrors.Component(component), syncErrors.KindNotFound,
			fmt.Sprintf("document %q not found", id))
	}
	return r.decode(doc)
}

// All decodes every live document the repository matches, in ID order.
func (r *Repository[T]) All(ctx context.Context) ([]Entity[T], error) {
	return r.Find(ctx, nil)
}

// Find decodes the matching documents for which keep returns true.
func (r *Repository[T]) Find(ctx context.Context, keep func(T) bool) ([]Entity[T], error) {
	ids, err := r.reader.DocumentIDs(ctx)
	if err != nil {
		return nil, err
	}

	var out []Entity[T]
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc, err := r.reader.GetDocument(ctx, id)
		if syncErrors.KindOf(err) == syncErrors.KindNotFound {
			// deleted since the ID scan
			continue
		}
		if err != nil {
			return nil, err
		}
		if doc.Deleted || (r.Match != nil && !r.Match(doc.ID, doc.Body)) {
			continue
		}
		e, err := r.decode(doc)
		if err != nil {
			return nil, fmt.Errorf("document %q: %w", id, err)
		}
		if keep == nil || keep(e.Value) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (r *Repository[T]) decode(doc *storage.Document) (*Entity[T], error) {
	e := &Entity[T]{ID: doc.ID, Rev: doc.Rev, Attachments: doc.Attachments}
	if err := FromProperties(doc.Body, &e.Value); err != nil {
		return nil, err
	}
	return e, nil
}
