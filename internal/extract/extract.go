// Package extract parses retrieved documents into structured records per a
// declarative selector schema. It touches no network or session state and
// operates only on bytes already fetched.
package extract

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"harvester/internal/harvest"
)

// FieldMode selects how multiple selector matches collapse into a value.
type FieldMode string

// Field modes. ModeFirst takes the first match; ModeList collects all.
const (
	ModeFirst FieldMode = "first"
	ModeList  FieldMode = "list"
)

// Field maps one selector to one record field.
type Field struct {
	Name     string    `mapstructure:"name"`
	Selector string    `mapstructure:"selector"`
	Attr     string    `mapstructure:"attr"`
	Mode     FieldMode `mapstructure:"mode"`
	Required bool      `mapstructure:"required"`
}

// Schema is the full selector → field mapping for one document shape.
type Schema struct {
	Fields []Field `mapstructure:"fields"`
}

// Validate rejects schemas that cannot produce a record.
func (s Schema) Validate() error {
	if len(s.Fields) == 0 {
		return fmt.Errorf("schema must define at least one field")
	}
	seen := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("schema field name must be set")
		}
		if f.Selector == "" {
			return fmt.Errorf("schema field %q needs a selector", f.Name)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("schema field %q defined twice", f.Name)
		}
		seen[f.Name] = struct{}{}
		switch f.Mode {
		case "", ModeFirst, ModeList:
		default:
			return fmt.Errorf("schema field %q has unknown mode %q", f.Name, f.Mode)
		}
	}
	return nil
}

// Extract locates every schema field in the document and assembles a
// Record. A required field with zero matches fails with SchemaMismatch;
// missing optional fields are simply absent.
func Extract(sourceURL string, content []byte, schema Schema, extractedAt time.Time) (harvest.Record, error) {
	if err := schema.Validate(); err != nil {
		return harvest.Record{}, &harvest.ExtractionError{URL: sourceURL, Err: err}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return harvest.Record{}, &harvest.ExtractionError{URL: sourceURL, Err: fmt.Errorf("parse document: %w", err)}
	}

	fields := make(map[string]any, len(schema.Fields))
	for _, f := range schema.Fields {
		sel := doc.Find(f.Selector)
		if sel.Length() == 0 {
			if f.Required {
				return harvest.Record{}, &harvest.ExtractionError{
					URL: sourceURL,
					Err: &harvest.SchemaMismatchError{Field: f.Name, Selector: f.Selector},
				}
			}
			continue
		}
		if f.Mode == ModeList {
			values := make([]string, 0, sel.Length())
			sel.Each(func(_ int, node *goquery.Selection) {
				values = append(values, nodeValue(node, f.Attr))
			})
			fields[f.Name] = values
			continue
		}
		fields[f.Name] = nodeValue(sel.First(), f.Attr)
	}

	return harvest.Record{
		SourceURL:   sourceURL,
		Fields:      fields,
		ExtractedAt: extractedAt,
	}, nil
}

func nodeValue(node *goquery.Selection, attr string) string {
	if attr != "" {
		value, _ := node.Attr(attr)
		return strings.TrimSpace(value)
	}
	return strings.TrimSpace(node.Text())
}
