package counterstore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"scarabd/pkg/coorderrors"
)

// On-disk header at offset 0 of every counter file (little-endian):
//
//	[0:8)   magic
//	[8:12)  format version
//	[12:16) reserved
//	[16:24) counter value (the mapped word increments hit)
//	[24:32) owner term
//	[32:36) CRC32-C over magic, version and term
//	[36:40) reserved
//	[40:48) high-water identifier millisecond
//
// The CRC deliberately excludes the live value and high-water words: they
// mutate on the serving path while the metadata only changes on leadership
// transitions.
const (
	fileMagic     = uint64(0x5343524142303141) // "SCRAB01A"
	formatVersion = uint32(1)

	offMagic     = 0
	offVersion   = 8
	offValue     = 16
	offTerm      = 24
	offCRC       = 32
	offHighWater = 40

	headerSize = 48

	// activeRegion is the only part of the file ever mapped. The rest of
	// the virtual size is headroom so the file never needs resizing.
	activeRegion = 4096
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Options control durability and file sizing, pre-validated by the caller.
type Options struct {
	VirtualSizeBytes    int64
	FlushEveryIncrement bool
}

// Handle is a mapped view of a single durable counter. It assumes a single
// concurrent writer process; cross-node exclusion is enforced upstream by
// ownership fencing, not here.
type Handle struct {
	id   string
	path string
	file *os.File
	data []byte

	opts Options

	// mu is held shared by reads/increments and exclusively by metadata
	// writes and Close, so a racing Close can never unmap a region an
	// increment is about to touch.
	mu     sync.RWMutex
	closed bool
}

// Open maps the counter with the given id, creating its sparse backing file
// if absent. A freshly created file starts at value 0, term 0.
func Open(dir, id string, opts Options) (*Handle, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty counter id", coorderrors.ErrInvalidArgument)
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create counter dir: %w", err)
	}

	path := filepath.Join(dir, FileName(id))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open counter file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat counter file: %w", err)
	}

	fresh := info.Size() == 0
	if fresh {
		// Ftruncate to the full virtual size allocates nothing physically;
		// the file stays sparse until pages are actually dirtied.
		if err := unix.Ftruncate(int(file.Fd()), opts.VirtualSizeBytes); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("truncate counter file: %w", err)
		}
	} else if info.Size() < activeRegion {
		_ = file.Close()
		return nil, fmt.Errorf("%w: counter %q: file %d bytes, need at least %d",
			coorderrors.ErrStorageCorruption, id, info.Size(), activeRegion)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, activeRegion,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("mmap counter file: %w", err)
	}

	h := &Handle{id: id, path: path, file: file, data: data, opts: opts}

	if fresh {
		binary.LittleEndian.PutUint64(h.data[offMagic:], fileMagic)
		binary.LittleEndian.PutUint32(h.data[offVersion:], formatVersion)
		binary.LittleEndian.PutUint32(h.data[offCRC:], h.metaChecksum())
		if err := h.sync(); err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("sync new counter file: %w", err)
		}
		slog.Debug("created counter file", "counter", id, "path", path)
		return h, nil
	}

	if err := h.validate(); err != nil {
		_ = h.Close()
		return nil, err
	}
	return h, nil
}

// Recover reopens an existing counter after a crash or leadership change.
// The durable value is read directly from the mapped header; there is no log
// to replay. A missing, undersized or corrupt file fails with a
// StorageCorruption condition scoped to this counter only. Recover is
// idempotent: calling it again on a healthy counter is harmless.
func Recover(dir, id string, opts Options) (*Handle, error) {
	path := filepath.Join(filepath.Clean(dir), FileName(id))
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: counter %q: %v", coorderrors.ErrStorageCorruption, id, err)
	}
	return Open(dir, id, opts)
}

// Increment atomically adds delta to the mapped counter word and returns the
// new value. With FlushEveryIncrement disabled the write may sit in the page
// cache; a crash can lose it - a documented, accepted risk window. The value
// never decreases either way.
func (h *Handle) Increment(delta uint64) (uint64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return 0, coorderrors.ErrClosed
	}

	v := atomic.AddUint64(h.valueWord(), delta)
	if h.opts.FlushEveryIncrement {
		if err := h.sync(); err != nil {
			return 0, fmt.Errorf("flush counter %q: %w", h.id, err)
		}
	}
	return v, nil
}

// Value returns the current counter value.
func (h *Handle) Value() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return 0
	}
	return atomic.LoadUint64(h.valueWord())
}

// Term returns the owner term stamped into the header.
func (h *Handle) Term() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return 0
	}
	return atomic.LoadUint64(h.termWord())
}

// HighWater returns the persisted high-water identifier millisecond.
func (h *Handle) HighWater() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return 0
	}
	return atomic.LoadUint64(h.highWaterWord())
}

// StoreHighWater records the newest emitted identifier millisecond. It
// shares the value word's durability policy: flushed inline only with
// FlushEveryIncrement, otherwise on the next sync.
func (h *Handle) StoreHighWater(ms uint64) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return coorderrors.ErrClosed
	}

	atomic.StoreUint64(h.highWaterWord(), ms)
	if h.opts.FlushEveryIncrement {
		if err := h.sync(); err != nil {
			return fmt.Errorf("flush counter %q: %w", h.id, err)
		}
	}
	return nil
}

// SetTerm stamps the new owner's term into the header and flushes it
// durably. A new owner must do this after its leadership commits and before
// serving increments.
func (h *Handle) SetTerm(term uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return coorderrors.ErrClosed
	}

	atomic.StoreUint64(h.termWord(), term)
	binary.LittleEndian.PutUint32(h.data[offCRC:], h.metaChecksum())
	return h.sync()
}

// Flush forces the mapped region to durable storage.
func (h *Handle) Flush() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return coorderrors.ErrClosed
	}
	return h.sync()
}

// Close flushes, unmaps and closes the backing file. It is explicit and
// idempotent; recovery correctness never depends on it having run.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true

	var firstErr error
	if err := h.sync(); err != nil {
		firstErr = err
	}
	if err := unix.Munmap(h.data); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("munmap counter %q: %w", h.id, err)
	}
	h.data = nil
	if err := h.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close counter %q: %w", h.id, err)
	}
	return firstErr
}

// ID returns the logical counter id backing this handle.
func (h *Handle) ID() string {
	return h.id
}

func (h *Handle) valueWord() *uint64 {
	return (*uint64)(unsafe.Pointer(&h.data[offValue]))
}

func (h *Handle) termWord() *uint64 {
	return (*uint64)(unsafe.Pointer(&h.data[offTerm]))
}

func (h *Handle) highWaterWord() *uint64 {
	return (*uint64)(unsafe.Pointer(&h.data[offHighWater]))
}

func (h *Handle) sync() error {
	if err := unix.Msync(h.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync: %w", err)
	}
	return nil
}

func (h *Handle) metaChecksum() uint32 {
	var buf [24]byte
	copy(buf[0:16], h.data[offMagic:offMagic+16])
	copy(buf[16:24], h.data[offTerm:offTerm+8])
	return crc32.Checksum(buf[:], castagnoli)
}

func (h *Handle) validate() error {
	if got := binary.LittleEndian.Uint64(h.data[offMagic:]); got != fileMagic {
		return fmt.Errorf("%w: counter %q: bad magic %#x", coorderrors.ErrStorageCorruption, h.id, got)
	}
	if got := binary.LittleEndian.Uint32(h.data[offVersion:]); got != formatVersion {
		return fmt.Errorf("%w: counter %q: unsupported format version %d", coorderrors.ErrStorageCorruption, h.id, got)
	}
	if got := binary.LittleEndian.Uint32(h.data[offCRC:]); got != h.metaChecksum() {
		return fmt.Errorf("%w: counter %q: metadata checksum mismatch", coorderrors.ErrStorageCorruption, h.id)
	}
	return nil
}

// FileName derives the deterministic backing file name for a counter id.
// The readable prefix keeps operator tooling sane; the fnv suffix keeps
// distinct ids from colliding after sanitization.
func FileName(id string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '_' || r == '-':
			return r
		default:
			return '-'
		}
	}, id)

	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return fmt.Sprintf("%s-%08x.ctr", sanitized, h.Sum32())
}
