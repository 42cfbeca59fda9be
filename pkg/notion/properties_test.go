package notion

import (
	"testing"
	"time"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPropertyBuilders(t *testing.T) {
	assert.Equal(t, "hall b", PlainText(Title("hall b")))
	assert.Equal(t, "run-1", PlainText(Text("run-1")))
	assert.Equal(t, "COMPLETED", Select("COMPLETED").Select.Name)
	assert.Equal(t, 42.0, Number(42).Number)

	at := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	d := DateAt(at)
	require.NotNil(t, d.Date)
	require.NotNil(t, d.Date.Start)
	assert.True(t, time.Time(*d.Date.Start).Equal(at))
}

func TestPlainText_Pointers(t *testing.T) {
	title := Title("a")
	assert.Equal(t, "a", PlainText(&title))

	rt := &notionapi.RichTextProperty{RichText: []notionapi.RichText{{PlainText: "plain"}}}
	assert.Equal(t, "plain", PlainText(rt))
	assert.Empty(t, PlainText(Number(1)))
}
