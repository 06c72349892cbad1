package script

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ggg/pkg/models"
)

func writeScript(t *testing.T, dir, name, src string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644))
}

// mirrors spec.md §8 scenario 3: a filtered beforeRequest hook that sets a
// Referer header only for pximg URLs.
const refererScript = `
ggg.on("beforeRequest", function(ctx) {
  ctx.setHeader("Referer", "https://www.pixiv.net/");
}, {filter: "pximg"});
`

func TestBrokerBeforeRequestAppliesOnlyToMatchingURL(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "referer.js", refererScript)

	b := New(dir, 0, nil)
	defer b.Close()

	ctx := context.Background()
	enabled := map[string]bool{"referer.js": true}

	match, err := b.BeforeRequest(ctx, models.BeforeRequestContext{
		URL:     "https://i.pximg.net/img-original/x.jpg",
		Headers: map[string]string{},
	}, enabled)
	require.NoError(t, err)
	assert.Equal(t, "https://www.pixiv.net/", match.Headers["Referer"])

	noMatch, err := b.BeforeRequest(ctx, models.BeforeRequestContext{
		URL:     "https://example.com/a.jpg",
		Headers: map[string]string{},
	}, enabled)
	require.NoError(t, err)
	assert.Empty(t, noMatch.Headers["Referer"])
}

func TestBrokerStopPropagationSkipsLaterHandlers(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "a_first.js", `
ggg.on("beforeRequest", function(ctx) {
  ctx.setHeader("X-First", "yes");
  ctx.stopPropagation();
});
`)
	writeScript(t, dir, "b_second.js", `
ggg.on("beforeRequest", function(ctx) {
  ctx.setHeader("X-Second", "yes");
});
`)

	b := New(dir, 0, nil)
	defer b.Close()

	enabled := map[string]bool{"a_first.js": true, "b_second.js": true}
	out, err := b.BeforeRequest(context.Background(), models.BeforeRequestContext{
		URL:     "https://example.com/x",
		Headers: map[string]string{},
	}, enabled)
	require.NoError(t, err)
	assert.Equal(t, "yes", out.Headers["X-First"])
	assert.Empty(t, out.Headers["X-Second"], "stopPropagation must prevent later handlers from running")
}

func TestBrokerDisabledFileIsSkipped(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "referer.js", refererScript)

	b := New(dir, 0, nil)
	defer b.Close()

	out, err := b.BeforeRequest(context.Background(), models.BeforeRequestContext{
		URL:     "https://i.pximg.net/img-original/x.jpg",
		Headers: map[string]string{},
	}, map[string]bool{"referer.js": false})
	require.NoError(t, err)
	assert.Empty(t, out.Headers["Referer"], "disabled files must not contribute handlers")
}

func TestBrokerInvalidMutationIsRejected(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "break.js", `
ggg.on("beforeRequest", function(ctx) {
  ctx.setUrl("https://example.com/%zz");
});
`)

	b := New(dir, 0, nil)
	defer b.Close()

	_, err := b.BeforeRequest(context.Background(), models.BeforeRequestContext{
		URL:     "https://example.com/a",
		Headers: map[string]string{},
	}, map[string]bool{"break.js": true})
	assert.Error(t, err)
}

func TestBrokerCompletedRenameAndMove(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "rename.js", `
ggg.on("completed", function(ctx) {
  ctx.rename("renamed.bin");
  ctx.moveTo("/data/archive");
});
`)

	b := New(dir, 0, nil)
	defer b.Close()

	out, err := b.Completed(context.Background(), models.CompletedContext{
		URL:      "https://example.com/a.bin",
		Filename: "a.bin",
		SavePath: "/data/incoming",
	}, map[string]bool{"rename.js": true})
	require.NoError(t, err)
	assert.Equal(t, "renamed.bin", out.NewFilename)
	assert.Equal(t, "/data/archive", out.MoveToPath)
}

func TestBrokerProgressIsFireAndForget(t *testing.T) {
	dir := t.TempDir()
	b := New(dir, 0, nil)
	defer b.Close()

	// No handlers registered; this must not block regardless of buffer state.
	done := make(chan struct{})
	go func() {
		b.Progress(models.ProgressContext{URL: "https://example.com/a", Downloaded: 10}, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Progress must not block the caller")
	}
}

func TestBrokerReloadPicksUpNewHandlers(t *testing.T) {
	dir := t.TempDir()
	b := New(dir, 0, nil)
	defer b.Close()

	writeScript(t, dir, "late.js", `
ggg.on("beforeRequest", function(ctx) {
  ctx.setHeader("X-Late", "yes");
});
`)
	require.NoError(t, b.Reload(context.Background()))

	out, err := b.BeforeRequest(context.Background(), models.BeforeRequestContext{
		URL:     "https://example.com/a",
		Headers: map[string]string{},
	}, map[string]bool{"late.js": true})
	require.NoError(t, err)
	assert.Equal(t, "yes", out.Headers["X-Late"])
}

func TestBrokerListFilesReturnsLoadOrder(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "a.js", `ggg.on("beforeRequest", function(ctx) {});`)
	writeScript(t, dir, "b.js", `ggg.on("beforeRequest", function(ctx) {});`)

	b := New(dir, 0, nil)
	defer b.Close()

	files := b.ListFiles(context.Background())
	assert.Equal(t, []string{"a.js", "b.js"}, files)
}
