package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MorrisSimons/podcast-transcriber/internal/job"
)

type fakeGetter struct {
	calls   []string
	content string
	err     error
}

func (f *fakeGetter) Get(ctx context.Context, key, localPath string) error {
	f.calls = append(f.calls, key)
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(localPath, []byte(f.content), 0o644)
}

func TestAudioPathAndOutputPathArePure(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	key := job.Key("podcasts/ep1/ep1.mp3")
	require.Equal(t, c.AudioPath(key), c.AudioPath(key))
	require.Equal(t, c.OutputPath(key), c.OutputPath(key))
	require.Equal(t, filepath.Join(c.root, "audio", "podcasts/ep1/ep1.mp3"), c.AudioPath(key))
	require.Equal(t, filepath.Join(c.root, "out", "podcasts/ep1/ep1.txt"), c.OutputPath(key))
}

func TestOutputPathTopLevelKey(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, filepath.Join(c.root, "out", "top.txt"), c.OutputPath("top.mp3"))
}

func TestDownloadIfNeededFetchesWhenMissing(t *testing.T) {
	root := t.TempDir()
	dest := filepath.Join(root, "audio", "p", "e.mp3")
	getter := &fakeGetter{content: "audio-bytes"}

	err := DownloadIfNeeded(context.Background(), getter, "p/e.mp3", dest)
	require.NoError(t, err)
	require.Len(t, getter.calls, 1)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "audio-bytes", string(data))
}

func TestDownloadIfNeededNoOpWhenPresentAndNonEmpty(t *testing.T) {
	root := t.TempDir()
	dest := filepath.Join(root, "e.mp3")
	require.NoError(t, os.WriteFile(dest, []byte("already here"), 0o644))

	getter := &fakeGetter{content: "should not be written"}
	err := DownloadIfNeeded(context.Background(), getter, "e.mp3", dest)
	require.NoError(t, err)
	require.Empty(t, getter.calls)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "already here", string(data))
}

func TestDownloadIfNeededRefetchesWhenEmpty(t *testing.T) {
	root := t.TempDir()
	dest := filepath.Join(root, "e.mp3")
	require.NoError(t, os.WriteFile(dest, nil, 0o644))

	getter := &fakeGetter{content: "fresh content"}
	err := DownloadIfNeeded(context.Background(), getter, "e.mp3", dest)
	require.NoError(t, err)
	require.Len(t, getter.calls, 1)
}

func TestDownloadIfNeededPropagatesGetError(t *testing.T) {
	root := t.TempDir()
	dest := filepath.Join(root, "e.mp3")
	getter := &fakeGetter{err: context.DeadlineExceeded}

	err := DownloadIfNeeded(context.Background(), getter, "e.mp3", dest)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
