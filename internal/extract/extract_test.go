package extract

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"harvester/internal/harvest"
)

const samplePage = `<!DOCTYPE html>
<html>
<head><title>Widget Review</title></head>
<body>
	<h1 class="headline">The best widget of 2026</h1>
	<span class="author">Jane Doe</span>
	<div class="content">
		<p>First paragraph.</p>
		<p>Second paragraph.</p>
	</div>
	<a href="/related/1">Related one</a>
	<a href="/related/2">Related two</a>
	<img class="hero" src="/img/hero.png" alt="hero">
</body>
</html>`

func TestExtract_FirstAndListModes(t *testing.T) {
	t.Parallel()

	schema := Schema{Fields: []Field{
		{Name: "title", Selector: "title", Required: true},
		{Name: "headline", Selector: "h1.headline", Mode: ModeFirst, Required: true},
		{Name: "paragraphs", Selector: "div.content p", Mode: ModeList},
		{Name: "links", Selector: "a[href]", Attr: "href", Mode: ModeList},
		{Name: "hero", Selector: "img.hero", Attr: "src"},
	}}

	extractedAt := time.Unix(1700000000, 0)
	record, err := Extract("https://example.com/review", []byte(samplePage), schema, extractedAt)
	require.NoError(t, err)

	require.Equal(t, "https://example.com/review", record.SourceURL)
	require.Equal(t, extractedAt, record.ExtractedAt)
	require.Equal(t, "Widget Review", record.Fields["title"])
	require.Equal(t, "The best widget of 2026", record.Fields["headline"])
	require.Equal(t, []string{"First paragraph.", "Second paragraph."}, record.Fields["paragraphs"])
	require.Equal(t, []string{"/related/1", "/related/2"}, record.Fields["links"])
	require.Equal(t, "/img/hero.png", record.Fields["hero"])
}

func TestExtract_RequiredFieldMissingFails(t *testing.T) {
	t.Parallel()

	schema := Schema{Fields: []Field{
		{Name: "price", Selector: "span.price", Required: true},
	}}

	_, err := Extract("https://example.com/review", []byte(samplePage), schema, time.Now())
	require.Error(t, err)

	var extractErr *harvest.ExtractionError
	require.ErrorAs(t, err, &extractErr)
	var mismatch *harvest.SchemaMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, "price", mismatch.Field)
	require.Equal(t, "span.price", mismatch.Selector)
}

func TestExtract_OptionalFieldMissingIsAbsent(t *testing.T) {
	t.Parallel()

	schema := Schema{Fields: []Field{
		{Name: "title", Selector: "title", Required: true},
		{Name: "price", Selector: "span.price"},
	}}

	record, err := Extract("https://example.com/review", []byte(samplePage), schema, time.Now())
	require.NoError(t, err)
	require.Contains(t, record.Fields, "title")
	require.NotContains(t, record.Fields, "price")
}

func TestExtract_WhitespaceIsTrimmed(t *testing.T) {
	t.Parallel()

	page := []byte("<html><body><h1>\n\t  padded value  \n</h1></body></html>")
	schema := Schema{Fields: []Field{{Name: "h", Selector: "h1", Required: true}}}

	record, err := Extract("https://example.com", page, schema, time.Now())
	require.NoError(t, err)
	require.Equal(t, "padded value", record.Fields["h"])
}

func TestSchema_Validate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		schema  Schema
		wantErr string
	}{
		{
			name:    "empty schema",
			schema:  Schema{},
			wantErr: "at least one field",
		},
		{
			name:    "missing name",
			schema:  Schema{Fields: []Field{{Selector: "h1"}}},
			wantErr: "name must be set",
		},
		{
			name:    "missing selector",
			schema:  Schema{Fields: []Field{{Name: "h"}}},
			wantErr: "needs a selector",
		},
		{
			name: "duplicate name",
			schema: Schema{Fields: []Field{
				{Name: "h", Selector: "h1"},
				{Name: "h", Selector: "h2"},
			}},
			wantErr: "defined twice",
		},
		{
			name:    "unknown mode",
			schema:  Schema{Fields: []Field{{Name: "h", Selector: "h1", Mode: "every"}}},
			wantErr: "unknown mode",
		},
		{
			name:   "valid",
			schema: Schema{Fields: []Field{{Name: "h", Selector: "h1", Mode: ModeList}}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.schema.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}
