package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayout_Paths(t *testing.T) {
	l := Layout{HubRoot: "/hub", PreparedRoot: "/prepared"}

	assert.Equal(t, filepath.Join("/hub", "datasets--ibm-research--duorc"), l.DatasetDir("ibm-research/duorc"))
	assert.Equal(t, filepath.Join("/hub", "datasets--ibm-research--duorc", "blobs"), l.BlobDir("ibm-research/duorc"))
	assert.Equal(t,
		filepath.Join("/hub", "datasets--ibm-research--duorc", "blobs", "abc123"),
		l.BlobPath("ibm-research/duorc", "abc123"))
	assert.Equal(t,
		filepath.Join("/prepared", "ibm-research___duorc", "ParaphraseRC"),
		l.PreparedDir("ibm-research/duorc", "ParaphraseRC"))
}

func TestLayout_PreparedDir_DefaultConfig(t *testing.T) {
	l := Layout{PreparedRoot: "/prepared"}

	assert.Equal(t,
		filepath.Join("/prepared", "owner___name", "default"),
		l.PreparedDir("owner/name", ""))
}

func TestLayout_IsPreparedComplete(t *testing.T) {
	l := Layout{PreparedRoot: t.TempDir()}

	dir := l.PreparedDir("owner/name", "cfg")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	assert.False(t, l.IsPreparedComplete("owner/name", "cfg"), "directory without marker is not complete")

	require.NoError(t, os.WriteFile(filepath.Join(dir, CompleteMarker), nil, 0o644))
	assert.True(t, l.IsPreparedComplete("owner/name", "cfg"))

	assert.False(t, l.IsPreparedComplete("owner/name", "other"), "missing directory is not complete")
}

func TestDatasetCacheName_RoundTrip(t *testing.T) {
	name := DatasetCacheName("HuggingFaceM4/FineVision")
	assert.Equal(t, "datasets--HuggingFaceM4--FineVision", name)

	dataset, ok := DatasetFromCacheName(name)
	require.True(t, ok)
	assert.Equal(t, "HuggingFaceM4/FineVision", dataset)

	_, ok = DatasetFromCacheName("models--foo--bar")
	assert.False(t, ok)
}

func TestIsBlobName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"valid digest", "a665a45920422f9d417e4867efdc4fb8a04a1f3fff1fa07e998e86f7f7a27ae3", true},
		{"too short", "a665a459", false},
		{"uppercase hex", "A665A45920422F9D417E4867EFDC4FB8A04A1F3FFF1FA07E998E86F7F7A27AE3", false},
		{"non-hex char", "z665a45920422f9d417e4867efdc4fb8a04a1f3fff1fa07e998e86f7f7a27ae3", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsBlobName(tt.in))
		})
	}
}

func TestEnsureRoots_CreatesMissingRoots(t *testing.T) {
	base := t.TempDir()
	l := Layout{
		HubRoot:      filepath.Join(base, "hub"),
		PreparedRoot: filepath.Join(base, "prepared"),
	}

	require.NoError(t, l.EnsureRoots())

	for _, root := range []string{l.HubRoot, l.PreparedRoot} {
		info, err := os.Stat(root)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestEnsureRoots_UnusableRoot(t *testing.T) {
	base := t.TempDir()

	// A regular file in the root's place defeats MkdirAll regardless of
	// process privileges.
	blocked := filepath.Join(base, "hub")
	require.NoError(t, os.WriteFile(blocked, []byte("in the way"), 0o644))

	l := Layout{HubRoot: blocked, PreparedRoot: filepath.Join(base, "prepared")}

	err := l.EnsureRoots()
	require.Error(t, err)
	assert.Contains(t, err.Error(), blocked)
}

func TestEnsureRoots_UnusablePreparedRoot(t *testing.T) {
	base := t.TempDir()

	blocked := filepath.Join(base, "prepared")
	require.NoError(t, os.WriteFile(blocked, nil, 0o644))

	l := Layout{HubRoot: filepath.Join(base, "hub"), PreparedRoot: blocked}

	assert.Error(t, l.EnsureRoots())
}
