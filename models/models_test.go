package models

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileInfoListRoundTrip(t *testing.T) {
	cases := map[string]FileInfoList{
		"empty": {},
		"single": {
			{Name: "notes.txt", Folder: "/srv/share", SizeBytes: 42},
		},
		"many": {
			{Name: "a.txt", Folder: "/tmp/x", SizeBytes: 10},
			{Name: "b.txt", Folder: "/tmp/x", SizeBytes: 0},
			{Name: "movie file.mkv", Folder: `C:\Users\share`, SizeBytes: 1 << 40},
			{Name: "ünïcode.md", Folder: "", SizeBytes: 7},
		},
	}

	for name, list := range cases {
		t.Run(name, func(t *testing.T) {
			got := ParseFileInfoList(list.Serialize())
			require.Len(t, got, len(list))
			for i := range list {
				assert.Equal(t, list[i], got[i])
			}
		})
	}
}

func TestFileListResponseScenarioKeepsZeroByteFile(t *testing.T) {
	list := FileInfoList{
		{Name: "a.txt", Folder: "/tmp/x", SizeBytes: 10},
		{Name: "b.txt", Folder: "/tmp/x", SizeBytes: 0},
	}

	got := ParseFileInfoList(list.Serialize())
	require.Equal(t, list, got)
	assert.Equal(t, int64(10), got.TotalSize())
}

func TestParseFileInfoListDropsMalformedRecords(t *testing.T) {
	raw := "good.txt" + FieldSeparator + "/f" + FieldSeparator + "12" +
		RecordSeparator + "missing-size" + FieldSeparator + "/f" +
		RecordSeparator + "bad-size" + FieldSeparator + "/f" + FieldSeparator + "twelve" +
		RecordSeparator + "negative" + FieldSeparator + "/f" + FieldSeparator + "-1" +
		RecordSeparator + "too" + FieldSeparator + "many" + FieldSeparator + "1" + FieldSeparator + "x" +
		RecordSeparator + "last.bin" + FieldSeparator + "/g" + FieldSeparator + "0"

	got := ParseFileInfoList(raw)
	require.Equal(t, FileInfoList{
		{Name: "good.txt", Folder: "/f", SizeBytes: 12},
		{Name: "last.bin", Folder: "/g", SizeBytes: 0},
	}, got)
}

func TestReadFolderListsRegularFilesSorted(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("bb"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o700))

	got, err := ReadFolder(dir)
	require.NoError(t, err)
	require.Equal(t, FileInfoList{
		{Name: "a.txt", Folder: dir, SizeBytes: 1},
		{Name: "b.txt", Folder: dir, SizeBytes: 2},
	}, got)
}

func TestReadFolderSkipsNonUTF8Names(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ok.txt"), []byte("ok"), 0o600))
	if err := os.WriteFile(filepath.Join(dir, "bad\xff.txt"), []byte("x"), 0o600); err != nil {
		t.Skipf("filesystem rejects non-UTF-8 names: %v", err)
	}

	got, err := ReadFolder(dir)
	require.NoError(t, err)
	require.Equal(t, FileInfoList{{Name: "ok.txt", Folder: dir, SizeBytes: 2}}, got)
}

func TestReadFolderMissing(t *testing.T) {
	_, err := ReadFolder(filepath.Join(t.TempDir(), "absent"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestServerInfoCloneIsIndependent(t *testing.T) {
	original := &ServerInfo{SessionIP: "10.0.0.2", Port: 5000, Name: "alpha"}
	clone := original.Clone()
	clone.Name = "beta"

	assert.Equal(t, "alpha", original.Name)
	assert.Nil(t, (*ServerInfo)(nil).Clone())
}

func TestServerInfoAddressPrefersSessionIP(t *testing.T) {
	info := ServerInfo{LocalIP: "192.168.1.5", PublicIP: "1.2.3.4", Port: 9000}
	assert.Equal(t, "192.168.1.5:9000", info.Address())

	info.SessionIP = "10.0.0.9"
	assert.Equal(t, "10.0.0.9:9000", info.Address())
}

func TestParseAddress(t *testing.T) {
	info, err := ParseAddress("10.1.1.1:7070")
	require.NoError(t, err)
	assert.Equal(t, ServerInfo{SessionIP: "10.1.1.1", Port: 7070}, info)

	_, err = ParseAddress("10.1.1.1")
	require.ErrorIs(t, err, ErrInvalidAddress)
	_, err = ParseAddress("10.1.1.1:0")
	require.ErrorIs(t, err, ErrInvalidAddress)
}

func TestPlatformStringRoundTrip(t *testing.T) {
	for _, p := range []Platform{PlatformUnknown, PlatformWindows, PlatformLinux, PlatformDarwin, PlatformOther} {
		assert.Equal(t, p, ParsePlatform(p.String()))
	}
}
