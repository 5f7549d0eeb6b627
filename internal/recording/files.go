package recording

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

const (
	filePrefix = "imu_"
	fileExt    = ".csv"
	timeLayout = "20060102_150405"
)

// FileName returns imu_<deviceId>_<yyyyMMdd_HHmmss>.csv for a session
// started at t; Create passes UTC times. Characters outside [A-Za-z0-9.-]
// in the device id are replaced with '-'.
func FileName(deviceID string, t time.Time) string {
	return filePrefix + sanitizeID(deviceID) + "_" + t.Format(timeLayout) + fileExt
}

func sanitizeID(id string) string {
	if id == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '-'
		}
	}, id)
}

// createExclusive creates a new session file in dir, appending _<n> to the
// name when a file for the same second already exists.
func createExclusive(dir, deviceID string, t time.Time) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recordings dir: %w", err)
	}
	base := strings.TrimSuffix(FileName(deviceID, t), fileExt)
	for n := 0; n < 100; n++ {
		name := base + fileExt
		if n > 0 {
			name = fmt.Sprintf("%s_%d%s", base, n, fileExt)
		}
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		return f, err
	}
	return nil, fmt.Errorf("no free file name for %s in %s", base, dir)
}

// SessionFile describes a session file on disk.
type SessionFile struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// List returns the session files in dir, most recently modified first.
// A missing directory yields an empty list.
func List(dir string) ([]SessionFile, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var files []SessionFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		files = append(files, SessionFile{
			Path:    filepath.Join(dir, name),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	// Newest first; names break ties because they embed the start time.
	slices.SortFunc(files, func(a, b SessionFile) int {
		if c := b.ModTime.Compare(a.ModTime); c != 0 {
			return c
		}
		return strings.Compare(b.Path, a.Path)
	})
	return files, nil
}

// Latest returns the most recently modified session file in dir.
func Latest(dir string) (SessionFile, bool, error) {
	files, err := List(dir)
	if err != nil || len(files) == 0 {
		return SessionFile{}, false, err
	}
	return files[0], true, nil
}
