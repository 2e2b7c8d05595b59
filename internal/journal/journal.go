// Package journal implements a per-session write-ahead journal for the
// lockdown core.
//
// Every violation is appended and synced to disk as it is recorded, so a
// session interrupted by a process crash can be rebuilt and archived on the
// next start. Entries are framed with a CRC32 for torn-write detection and
// linked by SHA-256 with an HMAC over each entry for tamper evidence.
package journal

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Version and magic constants
const (
	Version    = 1
	Magic      = "EGJL"
	HeaderSize = 64

	sessionIDSize = 36
	maxEntrySize  = 1 << 20
)

// EntryType discriminates journal entries.
type EntryType uint8

const (
	EntrySessionStart EntryType = 1 // ExamSession as JSON
	EntryViolation    EntryType = 2 // Violation as JSON
	EntrySessionEnd   EntryType = 3 // ExamSession as JSON, with end time
)

func (t EntryType) String() string {
	switch t {
	case EntrySessionStart:
		return "session_start"
	case EntryViolation:
		return "violation"
	case EntrySessionEnd:
		return "session_end"
	default:
		return fmt.Sprintf("EntryType(%d)", uint8(t))
	}
}

var (
	ErrInvalidMagic   = errors.New("journal: invalid magic number")
	ErrInvalidVersion = errors.New("journal: unsupported version")
	ErrCorruptedEntry = errors.New("journal: corrupted entry (CRC mismatch)")
	ErrBrokenChain    = errors.New("journal: broken hash chain")
	ErrInvalidHMAC    = errors.New("journal: HMAC verification failed")
	ErrClosed         = errors.New("journal: log is closed")
	ErrSessionID      = errors.New("journal: session id too long")
)

// Entry is a single journal entry.
type Entry struct {
	Length    uint32
	Sequence  uint64
	Timestamp int64
	Type      EntryType
	Payload   []byte
	PrevHash  [32]byte
	HMAC      [32]byte
	CRC32     uint32
}

// Time returns the entry timestamp.
func (e *Entry) Time() time.Time {
	return time.Unix(0, e.Timestamp)
}

// Log is the journal of one exam session.
type Log struct {
	mu sync.Mutex

	path      string
	file      *os.File
	sessionID string
	hmacKey   []byte
	now       func() time.Time

	nextSequence uint64
	lastHash     [32]byte
	closed       bool

	entryCount uint64
	byteCount  int64
	tornBytes  int64
}

// Create creates a new journal for sessionID. An existing file at path
// is replaced.
func Create(path, sessionID string, hmacKey []byte) (*Log, error) {
	if len(sessionID) > sessionIDSize {
		return nil, fmt.Errorf("%w: %q", ErrSessionID, sessionID)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("create journal file: %w", err)
	}

	l := &Log{
		path:      path,
		file:      file,
		sessionID: sessionID,
		hmacKey:   hmacKey,
		now:       time.Now,
	}
	if err := l.writeHeader(); err != nil {
		file.Close()
		return nil, fmt.Errorf("write header: %w", err)
	}
	l.byteCount = HeaderSize
	if _, err := file.Seek(HeaderSize, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("seek after header: %w", err)
	}
	return l, nil
}

// Open opens an existing journal. A torn entry at the tail, left by a
// crash mid-write, is cut off so appends continue from the last whole
// entry.
func Open(path string, hmacKey []byte) (*Log, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open journal file: %w", err)
	}

	l := &Log{
		path:    path,
		file:    file,
		hmacKey: hmacKey,
		now:     time.Now,
	}
	if err := l.readHeader(); err != nil {
		file.Close()
		return nil, fmt.Errorf("read header: %w", err)
	}
	if err := l.scanToEnd(); err != nil {
		file.Close()
		return nil, fmt.Errorf("scan journal: %w", err)
	}
	return l, nil
}

func (l *Log) writeHeader() error {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], Magic)
	binary.BigEndian.PutUint32(buf[4:8], Version)
	copy(buf[8:8+sessionIDSize], l.sessionID)
	binary.BigEndian.PutUint64(buf[44:52], uint64(l.now().UnixNano()))
	// Reserved bytes 52-64 are zero

	if _, err := l.file.WriteAt(buf, 0); err != nil {
		return err
	}
	return l.file.Sync()
}

func (l *Log) readHeader() error {
	buf := make([]byte, HeaderSize)
	if _, err := l.file.ReadAt(buf, 0); err != nil {
		if errors.Is(err, io.EOF) {
			return ErrInvalidMagic
		}
		return err
	}
	if string(buf[0:4]) != Magic {
		return ErrInvalidMagic
	}
	if version := binary.BigEndian.Uint32(buf[4:8]); version != Version {
		return fmt.Errorf("%w: got %d, expected %d", ErrInvalidVersion, version, Version)
	}
	id := buf[8 : 8+sessionIDSize]
	n := 0
	for n < len(id) && id[n] != 0 {
		n++
	}
	l.sessionID = string(id[:n])
	return nil
}

// readEntryAt reads the entry at offset. It returns io.EOF when no whole
// entry starts there.
func (l *Log) readEntryAt(offset int64) (*Entry, error) {
	lenBuf := make([]byte, 4)
	if _, err := l.file.ReadAt(lenBuf, offset); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	entryLen := binary.BigEndian.Uint32(lenBuf)
	if entryLen == 0 {
		return nil, io.EOF
	}
	if entryLen < entryOverhead || entryLen > maxEntrySize {
		return nil, fmt.Errorf("%w: length %d", ErrCorruptedEntry, entryLen)
	}

	entryBuf := make([]byte, entryLen)
	if _, err := l.file.ReadAt(entryBuf, offset); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	entry, err := deserializeEntry(entryBuf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedEntry, err)
	}
	if entry.CRC32 != computeEntryCRC(entry) {
		return nil, ErrCorruptedEntry
	}
	return entry, nil
}

func (l *Log) scanToEnd() error {
	offset := int64(HeaderSize)
	for {
		entry, err := l.readEntryAt(offset)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, ErrCorruptedEntry) {
				break
			}
			return err
		}
		l.nextSequence = entry.Sequence + 1
		l.lastHash = entry.Hash()
		l.entryCount++
		offset += int64(entry.Length)
	}

	stat, err := l.file.Stat()
	if err != nil {
		return err
	}
	if stat.Size() > offset {
		l.tornBytes = stat.Size() - offset
		if err := l.file.Truncate(offset); err != nil {
			return fmt.Errorf("truncate torn tail: %w", err)
		}
	}
	l.byteCount = offset
	_, err = l.file.Seek(offset, io.SeekStart)
	return err
}

// Append adds an entry and syncs it to disk before returning.
func (l *Log) Append(entryType EntryType, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	entry := &Entry{
		Sequence:  l.nextSequence,
		Timestamp: l.now().UnixNano(),
		Type:      entryType,
		Payload:   payload,
		PrevHash:  l.lastHash,
	}
	entry.HMAC = l.computeHMAC(entry)
	entry.CRC32 = computeEntryCRC(entry)

	data := serializeEntry(entry)
	entry.Length = uint32(len(data))
	binary.BigEndian.PutUint32(data[0:4], entry.Length)

	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync entry: %w", err)
	}

	l.lastHash = entry.Hash()
	l.nextSequence++
	l.entryCount++
	l.byteCount += int64(len(data))
	return nil
}

// Entries reads every entry, verifying the CRC, hash chain and HMAC of
// each.
func (l *Log) Entries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}

	var (
		entries  []Entry
		prevHash [32]byte
	)
	offset := int64(HeaderSize)
	for {
		entry, err := l.readEntryAt(offset)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("entry at offset %d: %w", offset, err)
		}
		if entry.Sequence != uint64(len(entries)) {
			return nil, fmt.Errorf("entry %d: %w: expected sequence %d", entry.Sequence, ErrBrokenChain, len(entries))
		}
		if entry.PrevHash != prevHash {
			return nil, fmt.Errorf("entry %d: %w", entry.Sequence, ErrBrokenChain)
		}
		if !l.verifyHMAC(entry) {
			return nil, fmt.Errorf("entry %d: %w", entry.Sequence, ErrInvalidHMAC)
		}

		entries = append(entries, *entry)
		prevHash = entry.Hash()
		offset += int64(entry.Length)
	}
	return entries, nil
}

func (l *Log) verifyHMAC(entry *Entry) bool {
	expected := l.computeHMAC(entry)
	return hmac.Equal(entry.HMAC[:], expected[:])
}

// computeHMAC binds an entry to this log's session and key.
func (l *Log) computeHMAC(entry *Entry) [32]byte {
	h := hmac.New(sha256.New, l.hmacKey)
	h.Write([]byte(l.sessionID))
	writeEntryFields(h, entry)

	var result [32]byte
	copy(result[:], h.Sum(nil))
	return result
}

// Hash computes the hash of an entry (for chain linking).
func (e *Entry) Hash() [32]byte {
	h := sha256.New()
	writeEntryFields(h, e)

	var result [32]byte
	copy(result[:], h.Sum(nil))
	return result
}

func writeEntryFields(w io.Writer, e *Entry) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], e.Sequence)
	w.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(e.Timestamp))
	w.Write(buf[:])
	w.Write([]byte{byte(e.Type)})
	w.Write(e.Payload)
	w.Write(e.PrevHash[:])
}

func computeEntryCRC(entry *Entry) uint32 {
	crc := crc32.NewIEEE()
	writeEntryFields(crc, entry)
	crc.Write(entry.HMAC[:])
	return crc.Sum32()
}

const entryOverhead = 4 + // length
	8 + // sequence
	8 + // timestamp
	1 + // type
	4 + // payload length
	32 + // prev hash
	32 + // hmac
	4 // crc

func serializeEntry(entry *Entry) []byte {
	buf := make([]byte, entryOverhead+len(entry.Payload))
	offset := 4 // length is filled in by the caller

	binary.BigEndian.PutUint64(buf[offset:], entry.Sequence)
	offset += 8
	binary.BigEndian.PutUint64(buf[offset:], uint64(entry.Timestamp))
	offset += 8
	buf[offset] = byte(entry.Type)
	offset++

	binary.BigEndian.PutUint32(buf[offset:], uint32(len(entry.Payload)))
	offset += 4
	copy(buf[offset:], entry.Payload)
	offset += len(entry.Payload)

	copy(buf[offset:], entry.PrevHash[:])
	offset += 32
	copy(buf[offset:], entry.HMAC[:])
	offset += 32
	binary.BigEndian.PutUint32(buf[offset:], entry.CRC32)
	return buf
}

func deserializeEntry(data []byte) (*Entry, error) {
	if len(data) < entryOverhead {
		return nil, errors.New("entry too short")
	}

	entry := &Entry{}
	offset := 0

	entry.Length = binary.BigEndian.Uint32(data[offset:])
	offset += 4
	entry.Sequence = binary.BigEndian.Uint64(data[offset:])
	offset += 8
	entry.Timestamp = int64(binary.BigEndian.Uint64(data[offset:]))
	offset += 8
	entry.Type = EntryType(data[offset])
	offset++

	payloadLen := int(binary.BigEndian.Uint32(data[offset:]))
	offset += 4
	if len(data) != entryOverhead+payloadLen {
		return nil, errors.New("entry length mismatch")
	}
	entry.Payload = make([]byte, payloadLen)
	copy(entry.Payload, data[offset:offset+payloadLen])
	offset += payloadLen

	copy(entry.PrevHash[:], data[offset:offset+32])
	offset += 32
	copy(entry.HMAC[:], data[offset:offset+32])
	offset += 32
	entry.CRC32 = binary.BigEndian.Uint32(data[offset:])
	return entry, nil
}

// SessionID returns the session this journal belongs to.
func (l *Log) SessionID() string {
	return l.sessionID
}

// Size returns the current journal size in bytes.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.byteCount
}

// EntryCount returns the number of entries in the journal.
func (l *Log) EntryCount() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entryCount
}

// TornBytes returns how many bytes of a partial tail entry Open cut off.
func (l *Log) TornBytes() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tornBytes
}

// Path returns the journal file path.
func (l *Log) Path() string {
	return l.path
}

// Close closes the journal file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}
