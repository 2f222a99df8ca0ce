package storage

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

const (
	logHeaderSize       = 16
	defaultSegmentBytes = 4 << 20
	maxRecordBytes      = 64 << 20
)

var (
	errLogClosed = errors.New("file log closed")
	crcTable     = crc32.MakeTable(crc32.Castagnoli)
)

type FileConfig struct {
	Dir string
	// SegmentBytes is the size at which the log is compacted into a fresh
	// segment holding only live keys.
	SegmentBytes int64
	// SyncEvery fsyncs after this many writes; 0 or 1 syncs every write.
	SyncEvery int
	Logger    *log.Logger
}

// logRecord is one framed entry: header (length, crc, seq) then JSON.
type logRecord struct {
	Seq     uint64    `json:"seq"`
	Key     string    `json:"key"`
	Value   []byte    `json:"value,omitempty"`
	Deleted bool      `json:"deleted,omitempty"`
	At      time.Time `json:"at"`
}

type logSegment struct {
	path   string
	file   *os.File
	writer *bufio.Writer
	size   int64
}

// File is an append-only key/value log. The latest record per key wins;
// a torn or corrupt tail is truncated on open.
type File struct {
	cfg         FileConfig
	mu          sync.Mutex
	data        map[string][]byte
	seg         *logSegment
	nextSeq     uint64
	pendingSync int
	compactAt   int64
	closed      bool
}

// OpenFile replays every segment in cfg.Dir and opens the newest for
// appending.
func OpenFile(cfg FileConfig) (*File, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("file bridge dir required")
	}
	if cfg.SegmentBytes <= 0 {
		cfg.SegmentBytes = defaultSegmentBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}

	f := &File{cfg: cfg, data: make(map[string][]byte), nextSeq: 1}
	paths, err := filepath.Glob(filepath.Join(cfg.Dir, "segment-*.log"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	var segs []*logSegment
	for _, path := range paths {
		seg, err := f.replaySegment(path)
		if err != nil {
			for _, s := range segs {
				s.file.Close()
			}
			return nil, err
		}
		segs = append(segs, seg)
	}

	switch len(segs) {
	case 0:
		if err := f.openSegmentLocked(); err != nil {
			return nil, err
		}
	case 1:
		f.seg = segs[0]
		if _, err := f.seg.file.Seek(f.seg.size, io.SeekStart); err != nil {
			f.seg.file.Close()
			return nil, err
		}
		f.seg.writer = bufio.NewWriterSize(f.seg.file, 64*1024)
	default:
		// a compaction was interrupted; fold everything into one segment
		f.seg = segs[len(segs)-1]
		if err := f.compactLocked(segs); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (f *File) replaySegment(path string) (*logSegment, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	seg := &logSegment{path: path, file: file}
	reader := bufio.NewReaderSize(file, 64*1024)
	var pos int64
	for {
		start := pos
		hdr := make([]byte, logHeaderSize)
		n, err := io.ReadFull(reader, hdr)
		pos += int64(n)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				pos = start
				if err := file.Truncate(start); err != nil {
					file.Close()
					return nil, err
				}
				break
			}
			file.Close()
			return nil, err
		}
		length := binary.LittleEndian.Uint32(hdr[0:4])
		crc := binary.LittleEndian.Uint32(hdr[4:8])
		seq := binary.LittleEndian.Uint64(hdr[8:16])

		if length > maxRecordBytes {
			err = fmt.Errorf("record length %d exceeds limit", length)
		}
		var buf []byte
		if err == nil {
			buf = make([]byte, length)
			n, err = io.ReadFull(reader, buf)
			pos += int64(n)
		}
		if err != nil || crc32.Checksum(buf, crcTable) != crc {
			f.cfg.Logger.WithField("segment", path).WithField("offset", start).Warn("truncating damaged log tail")
			pos = start
			if err := file.Truncate(start); err != nil {
				file.Close()
				return nil, err
			}
			break
		}

		var rec logRecord
		if err := sonic.Unmarshal(buf, &rec); err != nil {
			file.Close()
			return nil, fmt.Errorf("decode log record %d: %w", seq, err)
		}
		if rec.Seq != seq {
			file.Close()
			return nil, fmt.Errorf("log seq mismatch: header=%d payload=%d", seq, rec.Seq)
		}
		if rec.Deleted {
			delete(f.data, rec.Key)
		} else {
			f.data[rec.Key] = rec.Value
		}
		if seq >= f.nextSeq {
			f.nextSeq = seq + 1
		}
	}
	seg.size = pos
	return seg, nil
}

func (f *File) openSegmentLocked() error {
	path := filepath.Join(f.cfg.Dir, fmt.Sprintf("segment-%020d.log", f.nextSeq))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	f.seg = &logSegment{path: path, file: file, writer: bufio.NewWriterSize(file, 64*1024)}
	return nil
}

func (f *File) Load(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, errLogClosed
	}
	v, ok := f.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (f *File) Save(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := append([]byte(nil), value...)
	if err := f.appendLocked(logRecord{Key: key, Value: v}); err != nil {
		return err
	}
	f.data[key] = v
	return f.maybeCompactLocked()
}

func (f *File) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; !ok {
		return nil
	}
	if err := f.appendLocked(logRecord{Key: key, Deleted: true}); err != nil {
		return err
	}
	delete(f.data, key)
	return f.maybeCompactLocked()
}

func (f *File) appendLocked(rec logRecord) error {
	if f.closed {
		return errLogClosed
	}
	rec.Seq = f.nextSeq
	rec.At = time.Now().UTC()
	if err := writeRecord(f.seg, rec); err != nil {
		return err
	}
	f.nextSeq++
	f.pendingSync++
	if f.cfg.SyncEvery <= 1 || f.pendingSync >= f.cfg.SyncEvery {
		return f.syncLocked()
	}
	return nil
}

func writeRecord(seg *logSegment, rec logRecord) error {
	payload, err := sonic.Marshal(rec)
	if err != nil {
		return err
	}
	header := make([]byte, logHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.Checksum(payload, crcTable))
	binary.LittleEndian.PutUint64(header[8:16], rec.Seq)
	if _, err := seg.writer.Write(header); err != nil {
		return err
	}
	if _, err := seg.writer.Write(payload); err != nil {
		return err
	}
	if err := seg.writer.Flush(); err != nil {
		return err
	}
	seg.size += int64(len(header) + len(payload))
	return nil
}

func (f *File) syncLocked() error {
	if err := f.seg.writer.Flush(); err != nil {
		return err
	}
	if err := f.seg.file.Sync(); err != nil {
		return err
	}
	f.pendingSync = 0
	return nil
}

// maybeCompactLocked rewrites the live keys into a new segment once the
// current one outgrows its limit.
func (f *File) maybeCompactLocked() error {
	if f.seg.size < max(f.cfg.SegmentBytes, f.compactAt) {
		return nil
	}
	return f.compactLocked([]*logSegment{f.seg})
}

// compactLocked writes every live key into a fresh segment and removes
// the given ones. f.seg must be the newest of them.
func (f *File) compactLocked(olds []*logSegment) error {
	current := f.seg
	if current.writer != nil {
		if err := f.syncLocked(); err != nil {
			return err
		}
	}
	if err := f.openSegmentLocked(); err != nil {
		f.seg = current
		return err
	}
	keys := make([]string, 0, len(f.data))
	for k := range f.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	now := time.Now().UTC()
	for _, k := range keys {
		rec := logRecord{Seq: f.nextSeq, Key: k, Value: f.data[k], At: now}
		if err := writeRecord(f.seg, rec); err != nil {
			return err
		}
		f.nextSeq++
	}
	if err := f.syncLocked(); err != nil {
		return err
	}
	if err := syncDir(f.cfg.Dir); err != nil {
		return err
	}
	for _, old := range olds {
		old.file.Close()
		if old.path == f.seg.path {
			continue
		}
		if err := os.Remove(old.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			f.cfg.Logger.WithError(err).Warnf("failed to remove log segment %s", old.path)
		}
	}
	f.compactAt = 2 * f.seg.size
	f.cfg.Logger.WithField("keys", len(keys)).WithField("segment", f.seg.path).Debug("compacted file log")
	return nil
}

func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	err := f.syncLocked()
	if cerr := f.seg.file.Close(); err == nil {
		err = cerr
	}
	return err
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
