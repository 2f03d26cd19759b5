package archive

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostingbot/hostingbot/pkg/errdefs"
)

func writeZip(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.zip")
	out, err := os.Create(path)
	require.NoError(t, err)
	w := zip.NewWriter(out)
	for name, body := range entries {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, out.Close())
	return path
}

func TestCheckEntryName(t *testing.T) {
	tests := []struct {
		name  string
		entry string
		ok    bool
	}{
		{"plain file", "bot.py", true},
		{"nested", "pkg/util.py", true},
		{"dot file", ".env.example", true},
		{"empty", "", false},
		{"absolute", "/etc/passwd", false},
		{"parent escape", "../evil.py", false},
		{"nested escape", "src/../../evil.py", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkEntryName(tt.entry)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errdefs.IsKind(err, errdefs.KindInvalid))
			}
		})
	}
}

func TestSafeExtract(t *testing.T) {
	zipPath := writeZip(t, map[string]string{
		"bot.py":        "print('hi')\n",
		"pkg/helper.py": "x = 1\n",
	})

	dest := t.TempDir()
	require.NoError(t, SafeExtract(zipPath, dest))

	data, err := os.ReadFile(filepath.Join(dest, "bot.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('hi')\n", string(data))

	_, err = os.Stat(filepath.Join(dest, "pkg", "helper.py"))
	assert.NoError(t, err)
}

func TestSafeExtractRejectsEscapeBeforeWriting(t *testing.T) {
	zipPath := writeZip(t, map[string]string{
		"ok.py":      "x = 1\n",
		"../evil.py": "import os\n",
	})

	dest := t.TempDir()
	err := SafeExtract(zipPath, dest)
	assert.True(t, errdefs.IsKind(err, errdefs.KindInvalid))

	// Nothing at all was extracted, safe entries included
	entries, readErr := os.ReadDir(dest)
	require.NoError(t, readErr)
	assert.Empty(t, entries)

	_, statErr := os.Stat(filepath.Join(filepath.Dir(dest), "evil.py"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestSafeExtractRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.zip")
	require.NoError(t, os.WriteFile(path, []byte("this is not a zip"), 0644))

	err := SafeExtract(path, t.TempDir())
	assert.True(t, errdefs.IsKind(err, errdefs.KindInvalid))
}

func TestExportImportRoundTrip(t *testing.T) {
	srcRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(srcRoot, "pkg"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, "bot.py"), []byte("print('hi')\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, "pkg", "db.py"), []byte("x = 1\n"), 0644))

	outPath := filepath.Join(t.TempDir(), "export.zip")
	require.NoError(t, BuildExport(srcRoot, "My Bot", "bot.py", outPath))

	staging := t.TempDir()
	require.NoError(t, SafeExtract(outPath, staging))

	meta, srcDir, err := LoadImport(staging)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "My Bot", meta.Name)
	assert.Equal(t, "bot.py", meta.Entrypoint)
	assert.Equal(t, FormatV1, meta.Format)
	assert.Equal(t, filepath.Join(staging, "src"), srcDir)

	data, err := os.ReadFile(filepath.Join(srcDir, "pkg", "db.py"))
	require.NoError(t, err)
	assert.Equal(t, "x = 1\n", string(data))
}

func TestLoadImportPlainArchive(t *testing.T) {
	// A user-made zip with no metadata entry imports from the root
	staging := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(staging, "main.py"), []byte("x = 1\n"), 0644))

	meta, srcDir, err := LoadImport(staging)
	require.NoError(t, err)
	assert.Nil(t, meta)
	assert.Equal(t, staging, srcDir)
}

func TestLoadImportRejectsForeignFormat(t *testing.T) {
	staging := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(staging, MetaFileName),
		[]byte(`{"name":"x","entrypoint":"a.py","format":"otherhost-v3"}`),
		0644,
	))

	_, _, err := LoadImport(staging)
	assert.True(t, errdefs.IsKind(err, errdefs.KindInvalid))
}

func TestLoadImportRejectsMalformedMeta(t *testing.T) {
	staging := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(staging, MetaFileName), []byte("{not json"), 0644))

	_, _, err := LoadImport(staging)
	assert.True(t, errdefs.IsKind(err, errdefs.KindInvalid))
}
