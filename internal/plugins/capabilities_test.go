package plugins

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/houqp/kiorg/pkg/protocol"
)

// TestCompileCapabilities_ValidatesPatterns tests pattern compilation at
// registration time for a range of declarations
func TestCompileCapabilities_ValidatesPatterns(t *testing.T) {
	tests := []struct {
		name        string
		pattern     string
		expectError bool
		description string
	}{
		{
			name:        "anchored extension",
			pattern:     `\.txt$`,
			expectError: false,
			description: "the conventional extension anchor compiles",
		},
		{
			name:        "alternation",
			pattern:     `\.(png|jpe?g|gif)$`,
			expectError: false,
			description: "grouped alternations compile",
		},
		{
			name:        "match everything",
			pattern:     ``,
			expectError: false,
			description: "the empty pattern is legal and matches every filename",
		},
		{
			name:        "unclosed group",
			pattern:     `([`,
			expectError: true,
			description: "syntax errors are rejected at compile time, not at match time",
		},
		{
			name:        "dangling repetition",
			pattern:     `*`,
			expectError: true,
			description: "a bare quantifier is a syntax error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := demoDescriptor("demo", tt.pattern)
			compiled, err := CompileCapabilities(desc)

			if tt.expectError {
				require.Error(t, err, tt.description)
				var capErr *CapabilityError
				require.ErrorAs(t, err, &capErr)
				assert.Equal(t, "demo", capErr.Plugin)
				assert.Equal(t, tt.pattern, capErr.Pattern)
				assert.Nil(t, compiled)
				return
			}
			require.NoError(t, err, tt.description)
			assert.True(t, compiled.CanPreview())
			assert.Equal(t, tt.pattern, compiled.PreviewPattern())
		})
	}
}

// TestCompileCapabilities_NoPreviewCapability tests a descriptor that
// declares nothing: it compiles but is never routable
func TestCompileCapabilities_NoPreviewCapability(t *testing.T) {
	desc := protocol.PluginDescriptor{Name: "mute", Version: "1.0.0"}
	compiled, err := CompileCapabilities(desc)
	require.NoError(t, err)

	assert.False(t, compiled.CanPreview())
	assert.False(t, compiled.MatchesPreview("anything.txt"))
	assert.Empty(t, compiled.PreviewPattern())
}

// TestCompiledCapabilities_MatchesPreview tests matching semantics: final
// path component only, case sensitive
func TestCompiledCapabilities_MatchesPreview(t *testing.T) {
	compiled, err := CompileCapabilities(demoDescriptor("demo", `\.TXT$`))
	require.NoError(t, err)

	assert.True(t, compiled.MatchesPreview("/home/user/NOTES.TXT"))
	assert.False(t, compiled.MatchesPreview("/home/user/notes.txt"), "matching is case sensitive")
	assert.False(t, compiled.MatchesPreview("/srv/files.TXT/image.png"), "directories are not matched")
}

// TestCompiledCapabilities_MatchUsesBasename property: matching a full path
// is always equivalent to matching its final component
func TestCompiledCapabilities_MatchUsesBasename(t *testing.T) {
	compiled, err := CompileCapabilities(demoDescriptor("demo", `\.(txt|md|rs)$`))
	require.NoError(t, err)

	rapid.Check(t, func(t *rapid.T) {
		dir := rapid.StringMatching(`(/[a-z0-9.]{1,8}){0,4}`).Draw(t, "dir")
		file := rapid.StringMatching(`[a-z0-9]{1,8}\.[a-z]{1,4}`).Draw(t, "file")
		path := filepath.Join(dir, file)

		assert.Equal(t, compiled.MatchesPreview(file), compiled.MatchesPreview(path),
			"full path %q and basename %q must match identically", path, file)
	})
}
