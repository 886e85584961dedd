package models

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	// FieldSeparator separates the fields of one FileInfo record.
	FieldSeparator = "\u001f"
	// RecordSeparator separates FileInfo records.
	RecordSeparator = "\u001e"
)

// FileInfo describes one file in a directory snapshot.
type FileInfo struct {
	Name      string
	Folder    string
	SizeBytes int64
}

// Path joins Folder and Name.
func (f FileInfo) Path() string {
	return filepath.Join(f.Folder, f.Name)
}

// FileInfoList is an ordered directory snapshot.
type FileInfoList []FileInfo

// Serialize encodes the list using the unit and record separators.
func (l FileInfoList) Serialize() string {
	if len(l) == 0 {
		return ""
	}

	records := make([]string, 0, len(l))
	for _, info := range l {
		records = append(records, strings.Join([]string{
			info.Name,
			info.Folder,
			strconv.FormatInt(info.SizeBytes, 10),
		}, FieldSeparator))
	}
	return strings.Join(records, RecordSeparator)
}

// TotalSize sums SizeBytes over the list.
func (l FileInfoList) TotalSize() int64 {
	var total int64
	for _, info := range l {
		total += info.SizeBytes
	}
	return total
}

// ParseFileInfoList decodes a serialized list. Records with the wrong field
// count, an empty name or a size that is not a non-negative integer are dropped.
func ParseFileInfoList(raw string) FileInfoList {
	out := FileInfoList{}
	if raw == "" {
		return out
	}

	for _, record := range strings.Split(raw, RecordSeparator) {
		fields := strings.Split(record, FieldSeparator)
		if len(fields) != 3 || fields[0] == "" {
			continue
		}
		size, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil || size < 0 {
			continue
		}
		out = append(out, FileInfo{
			Name:      fields[0],
			Folder:    fields[1],
			SizeBytes: size,
		})
	}
	return out
}

// ReadFolder snapshots the regular files directly inside folder, sorted by name.
func ReadFolder(folder string) (FileInfoList, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, fmt.Errorf("read folder %q: %w", folder, err)
	}

	out := FileInfoList{}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		// Names carrying a separator would corrupt the serialized list.
		if strings.ContainsAny(entry.Name(), FieldSeparator+RecordSeparator) {
			continue
		}
		// The wire carries UTF-8 only; such a name could never be requested back.
		if !utf8.ValidString(entry.Name()) {
			continue
		}
		out = append(out, FileInfo{
			Name:      entry.Name(),
			Folder:    folder,
			SizeBytes: info.Size(),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
