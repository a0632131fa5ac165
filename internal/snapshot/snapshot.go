// Package snapshot reads and writes the compacted materialization of a store.
//
// Layout, little-endian:
//
//	"AMSN" | version u32 | watermark u64 | created_at i64 | record_count u64 |
//	record frames... | crc32c u32 over every preceding byte
//
// Record frames use the codec format, so a snapshot is a checksummed run of
// Set records with a header in front.
package snapshot

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rcliao/agent-memstore/internal/codec"
	"github.com/rcliao/agent-memstore/internal/fsx"
	"github.com/rcliao/agent-memstore/internal/model"
)

// File names inside the store directory.
const (
	FileName = "snapshot.bin"
	TmpName  = "snapshot.bin.tmp"
	PrevName = "snapshot.bin.prev"
)

const (
	magic      = "AMSN"
	version    = 1
	headerSize = 4 + 4 + 8 + 8 + 8
)

// ErrCorrupt is returned when a snapshot fails verification.
var ErrCorrupt = errors.New("snapshot: corrupt")

// Header describes a snapshot.
type Header struct {
	Watermark   uint64    `json:"watermark"`
	CreatedAt   time.Time `json:"created_at"`
	RecordCount uint64    `json:"record_count"`
	Size        int64     `json:"size"`
}

// Write durably installs a snapshot of recs at watermark in dir.
func Write(dir string, watermark uint64, recs []model.Record) (*Header, error) {
	p, err := Prepare(dir, watermark, recs)
	if err != nil {
		return nil, err
	}
	return p.Install()
}

// Pending is a snapshot written to snapshot.bin.tmp but not yet installed.
type Pending struct {
	Header *Header
	dir    string
}

// Prepare writes and fsyncs a snapshot of recs at watermark to
// snapshot.bin.tmp. Nothing a reader loads changes until Install.
func Prepare(dir string, watermark uint64, recs []model.Record) (*Pending, error) {
	tmp := filepath.Join(dir, TmpName)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("snapshot: create tmp: %w", err)
	}

	hdr := &Header{
		Watermark:   watermark,
		CreatedAt:   time.Now().UTC(),
		RecordCount: uint64(len(recs)),
	}
	size, err := encode(f, hdr, recs)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("snapshot: write tmp: %w", err)
	}
	hdr.Size = size
	return &Pending{Header: hdr, dir: dir}, nil
}

// Install makes the prepared snapshot current. The current snapshot.bin is
// kept as snapshot.bin.prev, the tmp file is renamed into place and the
// directory fsynced. A crash at any point leaves a loadable generation
// behind.
func (p *Pending) Install() (*Header, error) {
	tmp := filepath.Join(p.dir, TmpName)
	cur := filepath.Join(p.dir, FileName)
	if _, err := os.Stat(cur); err == nil {
		if err := os.Rename(cur, filepath.Join(p.dir, PrevName)); err != nil {
			os.Remove(tmp)
			return nil, fmt.Errorf("snapshot: retain previous: %w", err)
		}
	}
	if err := os.Rename(tmp, cur); err != nil {
		return nil, fmt.Errorf("snapshot: install: %w", err)
	}
	if err := fsx.SyncDir(p.dir); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return p.Header, nil
}

// Discard removes a prepared snapshot that will not be installed.
func (p *Pending) Discard() {
	os.Remove(filepath.Join(p.dir, TmpName))
}

func encode(w io.Writer, hdr *Header, recs []model.Record) (int64, error) {
	sum := crc32.New(crc32.MakeTable(crc32.Castagnoli))
	bw := bufio.NewWriterSize(io.MultiWriter(w, sum), 64*1024)

	head := make([]byte, 0, headerSize)
	head = append(head, magic...)
	head = binary.LittleEndian.AppendUint32(head, version)
	head = binary.LittleEndian.AppendUint64(head, hdr.Watermark)
	head = binary.LittleEndian.AppendUint64(head, uint64(hdr.CreatedAt.UnixNano()))
	head = binary.LittleEndian.AppendUint64(head, hdr.RecordCount)
	if _, err := bw.Write(head); err != nil {
		return 0, err
	}
	size := int64(len(head))

	var buf []byte
	for _, rec := range recs {
		var err error
		buf, err = codec.AppendFrame(buf[:0], rec)
		if err != nil {
			return 0, err
		}
		if _, err := bw.Write(buf); err != nil {
			return 0, err
		}
		size += int64(len(buf))
	}
	if err := bw.Flush(); err != nil {
		return 0, err
	}
	return size + 4, writeSum(w, sum)
}

func writeSum(w io.Writer, sum hash.Hash32) error {
	_, err := w.Write(binary.LittleEndian.AppendUint32(nil, sum.Sum32()))
	return err
}

// Read loads and verifies the snapshot at path.
func Read(path string) (*Header, []model.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	if len(data) < headerSize+4 {
		return nil, nil, fmt.Errorf("%w: %s is %d bytes", ErrCorrupt, path, len(data))
	}
	body, tail := data[:len(data)-4], data[len(data)-4:]
	if codec.Checksum(body) != binary.LittleEndian.Uint32(tail) {
		return nil, nil, fmt.Errorf("%w: %s checksum mismatch", ErrCorrupt, path)
	}
	if string(body[:4]) != magic {
		return nil, nil, fmt.Errorf("%w: %s bad magic", ErrCorrupt, path)
	}
	if v := binary.LittleEndian.Uint32(body[4:8]); v != version {
		return nil, nil, fmt.Errorf("%w: %s unsupported version %d", ErrCorrupt, path, v)
	}
	hdr := &Header{
		Watermark:   binary.LittleEndian.Uint64(body[8:16]),
		CreatedAt:   time.Unix(0, int64(binary.LittleEndian.Uint64(body[16:24]))).UTC(),
		RecordCount: binary.LittleEndian.Uint64(body[24:32]),
		Size:        int64(len(data)),
	}

	recs := make([]model.Record, 0, hdr.RecordCount)
	rest := body[headerSize:]
	for len(rest) > 0 {
		if len(rest) < codec.HeaderSize {
			return nil, nil, fmt.Errorf("%w: %s trailing bytes", ErrCorrupt, path)
		}
		n := int(binary.LittleEndian.Uint32(rest[0:4])) + codec.HeaderSize
		if n > len(rest) {
			return nil, nil, fmt.Errorf("%w: %s frame overruns file", ErrCorrupt, path)
		}
		rec, err := codec.Decode(rest[:n])
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
		}
		recs = append(recs, rec)
		rest = rest[n:]
	}
	if uint64(len(recs)) != hdr.RecordCount {
		return nil, nil, fmt.Errorf("%w: %s holds %d records, header says %d", ErrCorrupt, path, len(recs), hdr.RecordCount)
	}
	return hdr, recs, nil
}

// Loaded is the result of Load.
type Loaded struct {
	Header  *Header
	Records []model.Record
	Path    string
	// Fallback is set when the current generation was unreadable and the
	// previous one was used instead; it holds the error for the current one.
	Fallback error
}

// Load reads the newest readable snapshot generation in dir. It returns nil
// when dir has no snapshot at all.
func Load(dir string) (*Loaded, error) {
	cur := filepath.Join(dir, FileName)
	hdr, recs, curErr := Read(cur)
	if curErr == nil {
		return &Loaded{Header: hdr, Records: recs, Path: cur}, nil
	}

	prev := filepath.Join(dir, PrevName)
	hdr, recs, prevErr := Read(prev)
	if prevErr == nil {
		l := &Loaded{Header: hdr, Records: recs, Path: prev}
		if !errors.Is(curErr, fs.ErrNotExist) {
			l.Fallback = curErr
		}
		return l, nil
	}

	if errors.Is(curErr, fs.ErrNotExist) && errors.Is(prevErr, fs.ErrNotExist) {
		return nil, nil
	}
	if !errors.Is(curErr, fs.ErrNotExist) {
		return nil, curErr
	}
	return nil, prevErr
}
