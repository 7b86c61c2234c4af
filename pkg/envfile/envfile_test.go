package envfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostkit/hostkit/pkg/types"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    map[string]string
		wantErr bool
	}{
		{
			name:    "plain pairs",
			content: "A=1\nB=two\n",
			want:    map[string]string{"A": "1", "B": "two"},
		},
		{
			name:    "comments and blanks skipped",
			content: "# comment\n\nKEY=value\n",
			want:    map[string]string{"KEY": "value"},
		},
		{
			name:    "double quotes trimmed with escapes",
			content: `MSG="hello \"world\""`,
			want:    map[string]string{"MSG": `hello "world"`},
		},
		{
			name:    "single quotes trimmed literally",
			content: `PATHISH='a b c'`,
			want:    map[string]string{"PATHISH": "a b c"},
		},
		{
			name:    "empty value",
			content: "EMPTY=\n",
			want:    map[string]string{"EMPTY": ""},
		},
		{
			name:    "value containing equals",
			content: "DSN=postgres://u:p@h/db?sslmode=disable\n",
			want:    map[string]string{"DSN": "postgres://u:p@h/db?sslmode=disable"},
		},
		{
			name:    "missing equals rejected",
			content: "JUSTAWORD\n",
			wantErr: true,
		},
		{
			name:    "bad key rejected",
			content: "9KEY=x\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.content)
			if tt.wantErr {
				assert.Equal(t, types.ErrInvalidKey, types.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestRoundTrip checks the set-then-get byte equality law
func TestRoundTrip(t *testing.T) {
	values := []string{
		"simple",
		"has spaces",
		`has "quotes"`,
		`back\slash`,
		"",
		"tab\tseparated",
	}
	path := filepath.Join(t.TempDir(), ".env")

	for _, v := range values {
		require.NoError(t, Set(path, "KEY", v))
		got, ok, err := Get(path, "KEY")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, v, got, "round trip of %q", v)
	}
}

func TestSnapshotRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, Set(path, "FEATURE_X", "on"))
	require.NoError(t, Set(path, "MSG", "hello world"))

	snap, err := Snapshot(path)
	require.NoError(t, err)

	// Mutate, then restore.
	require.NoError(t, Set(path, "FEATURE_X", "off"))
	require.NoError(t, Unset(path, "MSG"))
	require.NoError(t, RestoreSnapshot(path, snap))

	env, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"FEATURE_X": "on", "MSG": "hello world"}, env)
}

func TestRestoreMalformedSnapshot(t *testing.T) {
	err := RestoreSnapshot(filepath.Join(t.TempDir(), ".env"), "{not json")
	assert.Equal(t, types.ErrInvalidSnapshot, types.CodeOf(err))
}

func TestSaveMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, Save(path, map[string]string{"A": "1"}))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSerializeDeterministic(t *testing.T) {
	env := map[string]string{"B": "2", "A": "1", "C": "3"}
	assert.Equal(t, "A=1\nB=2\nC=3\n", Serialize(env))
}
