package filesystem

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetCategory(t *testing.T) {
	cases := map[string]string{
		"pic.jpg":       "Images",
		"song.mp3":      "Music",
		"doc.pdf":       "Documents",
		"installer.exe": "Software",
		"movie.mp4":     "Videos",
		"archive.zip":   "Archives",
		"unknown.xyz":   "Others",
	}
	for filename, want := range cases {
		require.Equal(t, want, GetCategory(filename), filename)
	}
}

func TestPlaceGenericFallsBackToCategory(t *testing.T) {
	tmpDir := t.TempDir()
	org := NewOrganizer(tmpDir)

	src := filepath.Join(tmpDir, "pic.jpg")
	require.NoError(t, os.WriteFile(src, []byte("dummy"), 0644))

	newPath, err := org.Place(src, Placement{PlatformID: "generic", Filename: "pic.jpg"})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(tmpDir, "generic", "Images", "pic.jpg"), newPath)
	require.FileExists(t, newPath)
}

func TestPlaceUsesPlatformSubdir(t *testing.T) {
	tmpDir := t.TempDir()
	org := NewOrganizer(tmpDir)

	src := filepath.Join(tmpDir, "model.safetensors")
	require.NoError(t, os.WriteFile(src, []byte("dummy"), 0644))

	newPath, err := org.Place(src, Placement{PlatformID: "civitai", Subdir: "checkpoint", Filename: "model.safetensors"})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(tmpDir, "civitai", "checkpoint", "model.safetensors"), newPath)
}

func TestPlaceSanitizesSubdirTraversal(t *testing.T) {
	tmpDir := t.TempDir()
	org := NewOrganizer(tmpDir)

	src := filepath.Join(tmpDir, "readme.md")
	require.NoError(t, os.WriteFile(src, []byte("dummy"), 0644))

	newPath, err := org.Place(src, Placement{PlatformID: "github", Subdir: "../../etc", Filename: "readme.md"})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(tmpDir, "github", ".._.._etc", "readme.md"), newPath)
}

func TestPlaceCollisionAppendsSuffix(t *testing.T) {
	tmpDir := t.TempDir()
	org := NewOrganizer(tmpDir)

	destDir := filepath.Join(tmpDir, "generic", "Images")
	require.NoError(t, os.MkdirAll(destDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(destDir, "test.jpg"), []byte("existing"), 0644))

	src := filepath.Join(tmpDir, "test.jpg")
	require.NoError(t, os.WriteFile(src, []byte("new"), 0644))

	newPath, err := org.Place(src, Placement{PlatformID: "generic", Filename: "test.jpg"})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(destDir, "test (1).jpg"), newPath)
}
