package pdf

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	gen := NewGenerator(DefaultOptions())
	out, err := gen.Generate(context.Background(), Document{
		Title:     "Certificate",
		Subtitle:  "Test",
		Fields:    []Field{{Label: "Amount", Value: "10"}},
		Footer:    "footer",
		Watermark: "RETIRED",
		IssuedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF-")))
}

func TestGenerateHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewGenerator(DefaultOptions()).Generate(ctx, Document{Title: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}
