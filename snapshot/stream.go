// Package snapshot reads and writes snapshot streams: a header carrying the
// format version followed by named sections, each holding an explicit row
// count and length-prefixed rows.
package snapshot

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/mezonai/combinedb/monitoring"
)

var (
	ErrBadMagic          = errors.New("not a snapshot stream")
	ErrUnexpectedSection = errors.New("unexpected snapshot section")
	ErrMissingSection    = errors.New("missing snapshot section")
	ErrTruncated         = errors.New("snapshot stream is truncated")
	ErrRowsRemaining     = errors.New("snapshot section has unread rows")
	ErrNoMoreRows        = errors.New("snapshot section has no more rows")
	ErrWriterClosed      = errors.New("snapshot writer is closed")
)

var magic = [8]byte{'C', 'M', 'B', 'S', 'N', 'A', 'P', '1'}

const (
	tagEnd     byte = 0x00
	tagSection byte = 0x01

	maxNameLen = 256
	// rows above this size are rejected on read rather than allocated
	maxRowLen = 64 << 20
)

// Writer emits a snapshot stream. Sections are written in the order
// WriteSection is called; Close writes the end marker.
type Writer struct {
	w        *bufio.Writer
	version  uint32
	sections []string
	closed   bool
}

func NewWriter(w io.Writer, version uint32) (*Writer, error) {
	bw := bufio.NewWriter(w)
	var header [12]byte
	copy(header[:8], magic[:])
	binary.BigEndian.PutUint32(header[8:], version)
	if _, err := bw.Write(header[:]); err != nil {
		return nil, fmt.Errorf("write snapshot header: %w", err)
	}
	return &Writer{w: bw, version: version}, nil
}

func (w *Writer) Version() uint32 { return w.version }

// Sections lists the sections written so far.
func (w *Writer) Sections() []string {
	return append([]string(nil), w.sections...)
}

// SectionWriter collects the rows of one section.
type SectionWriter struct {
	rows [][]byte
}

// AddRow appends a raw row. The row is copied.
func (s *SectionWriter) AddRow(row []byte) {
	s.rows = append(s.rows, append([]byte{}, row...))
}

// AddObject appends v encoded with EncodeRow.
func (s *SectionWriter) AddObject(v any) error {
	row, err := EncodeRow(v)
	if err != nil {
		return err
	}
	s.rows = append(s.rows, row)
	return nil
}

func (s *SectionWriter) RowCount() int { return len(s.rows) }

// WriteSection runs fill and writes the collected rows as one section. Nothing
// is written when fill fails.
func (w *Writer) WriteSection(name string, fill func(*SectionWriter) error) error {
	if w.closed {
		return ErrWriterClosed
	}
	if len(name) == 0 || len(name) > maxNameLen {
		return fmt.Errorf("invalid section name %q", name)
	}
	sw := &SectionWriter{}
	if err := fill(sw); err != nil {
		return fmt.Errorf("section %s: %w", name, err)
	}

	var buf [binary.MaxVarintLen64]byte
	if err := w.w.WriteByte(tagSection); err != nil {
		return err
	}
	n := binary.PutUvarint(buf[:], uint64(len(name)))
	if _, err := w.w.Write(buf[:n]); err != nil {
		return err
	}
	if _, err := w.w.WriteString(name); err != nil {
		return err
	}
	var count [8]byte
	binary.BigEndian.PutUint64(count[:], uint64(len(sw.rows)))
	if _, err := w.w.Write(count[:]); err != nil {
		return err
	}
	for _, row := range sw.rows {
		n := binary.PutUvarint(buf[:], uint64(len(row)))
		if _, err := w.w.Write(buf[:n]); err != nil {
			return err
		}
		if _, err := w.w.Write(row); err != nil {
			return err
		}
	}
	w.sections = append(w.sections, name)
	monitoring.AddSnapshotRows("write", len(sw.rows))
	return nil
}

// Close writes the end marker and flushes. It does not close the underlying writer.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.w.WriteByte(tagEnd); err != nil {
		return err
	}
	return w.w.Flush()
}

type section struct {
	name string
	rows [][]byte
}

// Reader holds a parsed snapshot stream. Sections are consumed in stream order
// with ReadSection; PeekSection reads any section without consuming it.
type Reader struct {
	version  uint32
	sections []section
	next     int
}

// NewReader parses the whole stream, so truncation is reported here rather
// than halfway through a restore.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	var header [12]byte
	if _, err := io.ReadFull(br, header[:]); err != nil {
		return nil, fmt.Errorf("read snapshot header: %w", truncated(err))
	}
	if [8]byte(header[:8]) != magic {
		return nil, ErrBadMagic
	}
	rd := &Reader{version: binary.BigEndian.Uint32(header[8:])}

	for {
		tag, err := br.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("read section tag: %w", truncated(err))
		}
		if tag == tagEnd {
			return rd, nil
		}
		if tag != tagSection {
			return nil, fmt.Errorf("unknown section tag 0x%02x", tag)
		}
		sec, err := readSection(br)
		if err != nil {
			return nil, err
		}
		rd.sections = append(rd.sections, sec)
	}
}

func readSection(br *bufio.Reader) (section, error) {
	nameLen, err := binary.ReadUvarint(br)
	if err != nil {
		return section{}, fmt.Errorf("read section name: %w", truncated(err))
	}
	if nameLen == 0 || nameLen > maxNameLen {
		return section{}, fmt.Errorf("invalid section name length %d", nameLen)
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(br, name); err != nil {
		return section{}, fmt.Errorf("read section name: %w", truncated(err))
	}
	var count [8]byte
	if _, err := io.ReadFull(br, count[:]); err != nil {
		return section{}, fmt.Errorf("section %s: read row count: %w", name, truncated(err))
	}
	rowCount := binary.BigEndian.Uint64(count[:])
	rows := make([][]byte, 0, min(rowCount, 1<<16))
	for i := uint64(0); i < rowCount; i++ {
		rowLen, err := binary.ReadUvarint(br)
		if err != nil {
			return section{}, fmt.Errorf("section %s row %d: %w", name, i, truncated(err))
		}
		if rowLen > maxRowLen {
			return section{}, fmt.Errorf("section %s row %d: %d bytes exceeds limit", name, i, rowLen)
		}
		row := make([]byte, rowLen)
		if _, err := io.ReadFull(br, row); err != nil {
			return section{}, fmt.Errorf("section %s row %d: %w", name, i, truncated(err))
		}
		rows = append(rows, row)
	}
	return section{name: string(name), rows: rows}, nil
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncated
	}
	return err
}

func (r *Reader) Version() uint32 { return r.version }

// Sections lists every section name in stream order.
func (r *Reader) Sections() []string {
	names := make([]string, len(r.sections))
	for i, s := range r.sections {
		names[i] = s.name
	}
	return names
}

// SectionInfo describes a section without reading its rows.
type SectionInfo struct {
	Name string
	Rows int
}

// SectionInfos lists every section with its row count, in stream order.
func (r *Reader) SectionInfos() []SectionInfo {
	infos := make([]SectionInfo, len(r.sections))
	for i, s := range r.sections {
		infos[i] = SectionInfo{Name: s.name, Rows: len(s.rows)}
	}
	return infos
}

func (r *Reader) HasSection(name string) bool {
	return r.find(name) >= 0
}

func (r *Reader) find(name string) int {
	for i, s := range r.sections {
		if s.name == name {
			return i
		}
	}
	return -1
}

// SectionReader hands out the rows of one section.
type SectionReader struct {
	name string
	rows [][]byte
	pos  int
}

func (s *SectionReader) Name() string   { return s.name }
func (s *SectionReader) RowCount() int  { return len(s.rows) }
func (s *SectionReader) Remaining() int { return len(s.rows) - s.pos }
func (s *SectionReader) Empty() bool    { return s.Remaining() == 0 }

func (s *SectionReader) ReadRow() ([]byte, error) {
	if s.pos >= len(s.rows) {
		return nil, fmt.Errorf("section %s: %w", s.name, ErrNoMoreRows)
	}
	row := s.rows[s.pos]
	s.pos++
	return row, nil
}

// ReadObject decodes the next row into v with DecodeRow.
func (s *SectionReader) ReadObject(v any) error {
	row, err := s.ReadRow()
	if err != nil {
		return err
	}
	if err := DecodeRow(row, v); err != nil {
		return fmt.Errorf("section %s row %d: %w", s.name, s.pos-1, err)
	}
	return nil
}

// ReadSection consumes the next section, which must be called name, and
// requires consume to read every row.
func (r *Reader) ReadSection(name string, consume func(*SectionReader) error) error {
	if r.next >= len(r.sections) {
		return fmt.Errorf("%s: %w", name, ErrMissingSection)
	}
	sec := r.sections[r.next]
	if sec.name != name {
		return fmt.Errorf("want %s, found %s: %w", name, sec.name, ErrUnexpectedSection)
	}
	if err := r.consume(sec, consume); err != nil {
		return err
	}
	r.next++
	return nil
}

// PeekSection reads a section anywhere in the stream without consuming it.
func (r *Reader) PeekSection(name string, consume func(*SectionReader) error) error {
	i := r.find(name)
	if i < 0 {
		return fmt.Errorf("%s: %w", name, ErrMissingSection)
	}
	return r.consume(r.sections[i], consume)
}

func (r *Reader) consume(sec section, consume func(*SectionReader) error) error {
	sr := &SectionReader{name: sec.name, rows: sec.rows}
	if err := consume(sr); err != nil {
		return fmt.Errorf("section %s: %w", sec.name, err)
	}
	if !sr.Empty() {
		return fmt.Errorf("section %s: %d left: %w", sec.name, sr.Remaining(), ErrRowsRemaining)
	}
	monitoring.AddSnapshotRows("read", sr.RowCount())
	return nil
}

// Done reports an error when sections were left unread.
func (r *Reader) Done() error {
	if r.next < len(r.sections) {
		return fmt.Errorf("unread section %s: %w", r.sections[r.next].name, ErrUnexpectedSection)
	}
	return nil
}
