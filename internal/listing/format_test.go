package listing

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/dyluth/quire/pkg/document"
	"github.com/dyluth/quire/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	pageID = "33333333-3333-3333-3333-333333333333"
	userID = "11111111-1111-1111-1111-111111111111"
)

func testPage(n int, cursor string) *ledger.BlockPage {
	page := &ledger.BlockPage{NextCursor: cursor}
	for i := 0; i < n; i++ {
		page.Blocks = append(page.Blocks, &ledger.BlockRecord{
			ID:          strings.Repeat(string(rune('a'+i)), 8) + "-0000-0000-0000-000000000000",
			PageID:      pageID,
			ParentID:    pageID,
			Type:        document.BlockTypeParagraph,
			CreatedBy:   userID,
			CreatedAtMs: time.Now().Add(-90 * time.Second).UnixMilli(),
		})
	}
	return page
}

func TestFormatTable(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		var buf bytes.Buffer
		n := FormatTable(&buf, &ledger.BlockPage{}, pageID)
		assert.Equal(t, 0, n)
		assert.Contains(t, buf.String(), "No blocks found")
	})

	t.Run("rows and cursor", func(t *testing.T) {
		var buf bytes.Buffer
		n := FormatTable(&buf, testPage(2, "next-window"), pageID)
		assert.Equal(t, 2, n)

		out := buf.String()
		assert.Contains(t, out, "aaaaaaaa-0000-0000-0000-000000000000")
		assert.Contains(t, out, "paragraph")
		assert.Contains(t, out, "11111111 ")
		assert.Contains(t, out, "1m ago")
		assert.Contains(t, out, "2 blocks shown")
		assert.Contains(t, out, "--cursor=next-window")
	})

	t.Run("single block has no cursor line", func(t *testing.T) {
		var buf bytes.Buffer
		FormatTable(&buf, testPage(1, ""), pageID)
		assert.Contains(t, buf.String(), "1 block shown")
		assert.NotContains(t, buf.String(), "--cursor")
	})
}

func TestFormatJSONL(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, FormatJSONL(&buf, testPage(3, "")))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	var rec ledger.BlockRecord
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &rec))
	assert.Equal(t, "bbbbbbbb-0000-0000-0000-000000000000", rec.ID)
	assert.Equal(t, document.BlockTypeParagraph, rec.Type)
}

func TestFormatSingleJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, FormatSingleJSON(&buf, testPage(1, "").Blocks[0]))
	assert.True(t, strings.HasSuffix(buf.String(), "}\n"))
	assert.Contains(t, buf.String(), `  "page_id": "`+pageID+`"`)
}

func TestFormatTimestamp(t *testing.T) {
	tests := []struct {
		name string
		ago  time.Duration
		want string
	}{
		{"seconds", 5 * time.Second, "5s ago"},
		{"minutes", 3 * time.Minute, "3m ago"},
		{"hours", 5 * time.Hour, "5h ago"},
		{"days", 50 * time.Hour, "2d ago"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatTimestamp(time.Now().Add(-tt.ago).UnixMilli()))
		})
	}
	assert.Equal(t, "-", formatTimestamp(0))
}

func TestFormatShortID(t *testing.T) {
	assert.Equal(t, "-", formatShortID(""))
	assert.Equal(t, "abc", formatShortID("abc"))
	assert.Equal(t, "11111111", formatShortID(userID))
}
