package anthropic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchvine/catalog-sync/internal/resilience"
)

func TestParseAnalysis_PlainJSON(t *testing.T) {
	t.Parallel()

	text := `{
		"dial_color": "black",
		"strap_material": "metal",
		"strap_color": "silver",
		"watch_type": "diving",
		"case_material": "stainless steel",
		"design_elements": ["rotating bezel", "lume markers"],
		"is_automatic": true,
		"watch_style_category": "sporty"
	}`

	got, err := ParseAnalysis(text)
	require.NoError(t, err)
	assert.Equal(t, "black", got.DialColor)
	assert.Equal(t, "metal", got.StrapMaterial)
	assert.Equal(t, "diving", got.WatchType)
	assert.Equal(t, []string{"rotating bezel", "lume markers"}, got.DesignElements)
	require.NotNil(t, got.IsAutomatic)
	assert.True(t, *got.IsAutomatic)
	assert.Equal(t, "sporty", got.WatchStyleCategory)
}

func TestParseAnalysis_MarkdownFenced(t *testing.T) {
	t.Parallel()

	text := "```json\n{\"dial_color\": \"white\", \"is_automatic\": null}\n```"

	got, err := ParseAnalysis(text)
	require.NoError(t, err)
	assert.Equal(t, "white", got.DialColor)
	assert.Nil(t, got.IsAutomatic)
}

func TestParseAnalysis_BareFence(t *testing.T) {
	t.Parallel()

	text := "```\n{\"strap_material\": \"leather\"}\n```"

	got, err := ParseAnalysis(text)
	require.NoError(t, err)
	assert.Equal(t, "leather", got.StrapMaterial)
}

func TestParseAnalysis_EmptyFields(t *testing.T) {
	t.Parallel()

	got, err := ParseAnalysis(`{"dial_color": "", "design_elements": []}`)
	require.NoError(t, err)
	assert.Empty(t, got.DialColor)
	assert.Empty(t, got.DesignElements)
	assert.Nil(t, got.IsAutomatic)
}

func TestParseAnalysis_NotJSON(t *testing.T) {
	t.Parallel()

	_, err := ParseAnalysis("I see a lovely watch with a black dial.")
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
	assert.False(t, resilience.IsTransient(err))
}

func TestToImageBlock_NoImage(t *testing.T) {
	t.Parallel()

	_, err := toImageBlock(VisionRequest{Name: "Seiko SKX007"})
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
}

func TestToImageBlock_Base64DefaultsMediaType(t *testing.T) {
	t.Parallel()

	block, err := toImageBlock(VisionRequest{ImageData: []byte{0xff, 0xd8, 0xff}})
	require.NoError(t, err)
	require.NotNil(t, block.OfImage)
	assert.Equal(t, "image/jpeg", string(block.OfImage.Source.OfBase64.MediaType))
}

func TestToImageBlock_URL(t *testing.T) {
	t.Parallel()

	block, err := toImageBlock(VisionRequest{ImageURL: "https://example.com/watch.jpg"})
	require.NoError(t, err)
	require.NotNil(t, block.OfImage)
	require.NotNil(t, block.OfImage.Source.OfURL)
	assert.Equal(t, "https://example.com/watch.jpg", block.OfImage.Source.OfURL.URL)
}

func TestNewClient_Defaults(t *testing.T) {
	t.Parallel()

	c := NewClient("test-key", Options{}).(*sdkClient)
	assert.Equal(t, "claude-sonnet-4-5-20250929", c.opts.Model)
	assert.Equal(t, int64(1024), c.opts.MaxTokens)
}
