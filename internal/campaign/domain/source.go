package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Common errors for source documents.
var (
	ErrInvalidSourceRef = errors.New("invalid source reference")
	ErrSourceNotFound   = errors.New("source document not found")
	ErrNoContactMethod  = errors.New("no contact method on file")
)

// SourceRef points at the originating document: the source of truth for
// contact data. The campaign record only ever patches the outreach.*
// sub-path of that document.
type SourceRef struct {
	Database   string `json:"database"`
	Collection string `json:"collection"`
	DocumentID string `json:"document_id"`
}

// Validate checks all three parts of the triple are present.
func (r SourceRef) Validate() error {
	if r.Database == "" || r.Collection == "" || r.DocumentID == "" {
		return fmt.Errorf("%w: %q", ErrInvalidSourceRef, r.String())
	}
	return nil
}

// String renders the triple as database/collection/id.
func (r SourceRef) String() string {
	return r.Database + "/" + r.Collection + "/" + r.DocumentID
}

// ParseSourceRef parses a database/collection/id triple.
func ParseSourceRef(s string) (SourceRef, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "/", 3)
	if len(parts) != 3 {
		return SourceRef{}, fmt.Errorf("%w: want database/collection/id, got %q", ErrInvalidSourceRef, s)
	}
	ref := SourceRef{Database: parts[0], Collection: parts[1], DocumentID: parts[2]}
	if err := ref.Validate(); err != nil {
		return SourceRef{}, err
	}
	return ref, nil
}

// SourceDocument is the raw originating document.
type SourceDocument struct {
	Ref SourceRef
	Raw map[string]any
}

// Contact extracts the contact snapshot from the document. Field naming
// in source collections is not uniform, so several spellings are read.
func (d *SourceDocument) Contact() ContactInfo {
	return ContactInfo{
		PhoneNumbers: stringList(d.Raw, "phone_numbers", "phoneNumbers", "phones", "phone"),
		Emails:       stringList(d.Raw, "emails", "email"),
	}
}

// Label extracts the business display name from the document.
func (d *SourceDocument) Label() string {
	for _, key := range []string{"name", "business_name", "businessName", "company"} {
		if s, ok := d.Raw[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// SourceStore is the document store holding the originating records.
// Patches address dotted sub-paths under outreach. and are best-effort
// from the engine's point of view.
type SourceStore interface {
	// Fetch loads one document, ErrSourceNotFound when absent.
	Fetch(ctx context.Context, ref SourceRef) (*SourceDocument, error)

	// PatchOutreach merges the given fields into the document's
	// outreach sub-document.
	PatchOutreach(ctx context.Context, ref SourceRef, fields map[string]any) error

	// Insert stores a new document under the given ref.
	Insert(ctx context.Context, ref SourceRef, payload map[string]any) error
}

func stringList(raw map[string]any, keys ...string) []string {
	for _, key := range keys {
		switch v := raw[key].(type) {
		case []string:
			if len(v) > 0 {
				return v
			}
		case []any:
			var out []string
			for _, item := range v {
				if s, ok := item.(string); ok && s != "" {
					out = append(out, s)
				}
			}
			if len(out) > 0 {
				return out
			}
		case string:
			if v != "" {
				return []string{v}
			}
		}
	}
	return nil
}
