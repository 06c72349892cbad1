package script

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompileFilterNilMatchesEverything(t *testing.T) {
	f := compileFilter("")
	assert.True(t, f.Matches("https://example.com/anything"))
}

func TestCompileFilterSubstringLikePattern(t *testing.T) {
	f := compileFilter("pximg")
	assert.True(t, f.Matches("https://i.pximg.net/x.jpg"))
	assert.False(t, f.Matches("https://example.com/y.jpg"))
}

func TestCompileFilterRegexPattern(t *testing.T) {
	f := compileFilter(`\.jpg$`)
	assert.True(t, f.Matches("https://example.com/a.jpg"))
	assert.False(t, f.Matches("https://example.com/a.png"))
}

func TestCompileFilterInvalidRegexNeverMatches(t *testing.T) {
	f := compileFilter(`(unclosed`)
	assert.False(t, f.Matches("https://example.com/(unclosed"))
}

func TestCompileFilterIsCached(t *testing.T) {
	a := compileFilter("cache-key-test")
	b := compileFilter("cache-key-test")
	assert.Same(t, a, b)
}
