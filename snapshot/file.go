package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/mezonai/combinedb/logx"
	"github.com/shirou/gopsutil/v3/disk"
)

const fileExt = ".snap"

var ErrInsufficientSpace = errors.New("not enough free disk space for a snapshot")

// FileName is the name of the snapshot taken at head block num.
func FileName(head uint32) string {
	return fmt.Sprintf("snapshot-%010d%s", head, fileExt)
}

// FileWriter is a Writer whose stream is snappy-framed into a file. The file
// is written under a unique temporary name and renamed on Close, so
// concurrent writers of the same head never share a file.
type FileWriter struct {
	*Writer
	path string
	tmp  string
	file *os.File
	sn   *snappy.Writer
}

func NewFileWriter(path string, version uint32) (*FileWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	tmp := fmt.Sprintf("%s.%s.tmp", path, uuid.Must(uuid.NewV7()))
	f, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("create snapshot file: %w", err)
	}
	sn := snappy.NewBufferedWriter(f)
	w, err := NewWriter(sn, version)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, err
	}
	return &FileWriter{Writer: w, path: path, tmp: tmp, file: f, sn: sn}, nil
}

func (fw *FileWriter) Path() string { return fw.path }

// Close ends the stream, syncs the file and moves it into place.
func (fw *FileWriter) Close() error {
	err := fw.Writer.Close()
	if err == nil {
		err = fw.sn.Close()
	}
	if err == nil {
		err = fw.file.Sync()
	}
	if cerr := fw.file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(fw.tmp)
		return fmt.Errorf("write snapshot file: %w", err)
	}
	if err := os.Rename(fw.tmp, fw.path); err != nil {
		return fmt.Errorf("rename snapshot file: %w", err)
	}
	if info, err := os.Stat(fw.path); err == nil {
		logx.Info("SNAPSHOT", "wrote ", fw.path, " (", humanize.Bytes(uint64(info.Size())), ", ", len(fw.Sections()), " sections)")
	}
	return nil
}

// Abort drops a snapshot that will not be completed.
func (fw *FileWriter) Abort() {
	fw.file.Close()
	os.Remove(fw.tmp)
}

// OpenFile reads a snappy-framed snapshot file.
func OpenFile(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot file: %w", err)
	}
	defer f.Close()
	r, err := NewReader(snappy.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// Latest returns the newest snapshot file in dir, or "" when there is none.
func Latest(dir string) (string, error) {
	files, err := list(dir)
	if err != nil || len(files) == 0 {
		return "", err
	}
	return files[len(files)-1], nil
}

// Cleanup removes all but the newest keep snapshot files in dir.
func Cleanup(dir string, keep int) error {
	files, err := list(dir)
	if err != nil {
		return err
	}
	if len(files) <= keep {
		return nil
	}
	for _, path := range files[:len(files)-keep] {
		if err := os.Remove(path); err != nil {
			logx.Error("SNAPSHOT", "failed to remove old snapshot ", path, ": ", err)
			continue
		}
		logx.Info("SNAPSHOT", "removed old snapshot ", path)
	}
	return nil
}

func list(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "snapshot-") || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	// zero padded head numbers sort lexically
	sort.Strings(out)
	return out, nil
}

// EstimateSize guesses the size of the next snapshot in dir from the newest
// one there, or returns 0 when dir holds none.
func EstimateSize(dir string) (uint64, error) {
	latest, err := Latest(dir)
	if err != nil || latest == "" {
		return 0, err
	}
	info, err := os.Stat(latest)
	if err != nil {
		return 0, fmt.Errorf("stat snapshot file: %w", err)
	}
	return uint64(info.Size()), nil
}

// EnsureFreeSpace fails when the file system holding dir has less than need bytes free.
func EnsureFreeSpace(dir string, need uint64) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	usage, err := disk.Usage(dir)
	if err != nil {
		return fmt.Errorf("disk usage of %s: %w", dir, err)
	}
	if usage.Free < need {
		return fmt.Errorf("%s has %s free, need %s: %w",
			dir, humanize.Bytes(usage.Free), humanize.Bytes(need), ErrInsufficientSpace)
	}
	return nil
}
