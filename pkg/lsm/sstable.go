package lsm

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// On-disk layout (little-endian), per spec §6:
//
//	magic[4] = 'S','S','T','1' | version u32
//	data block:  repeated { key_len varint | value_len varint (0 = tombstone, else len+1) | key | value }
//	index block: count varint | repeated { key_len varint | key | offset varint }
//	bloom block: bit_count varint | hash_count varint | bits
//	footer:      min_key_len varint | min_key | max_key_len varint | max_key | entry_count u64 | tombstone_count u64 | level u32 | crc32 u32
//	trailer (fixed, last 28 bytes): index_offset u64 | bloom_offset u64 | footer_offset u64 | magic[4] = 'S','S','T','E'
//
// The fixed-size trailer at the tail of the file lets a reader locate the
// three preceding, variable-length sections without a forward scan.
var (
	sstMagic        = [4]byte{'S', 'S', 'T', '1'}
	sstTrailerMagic = [4]byte{'S', 'S', 'T', 'E'}
)

const (
	sstVersion        = uint32(1)
	sstTrailerSize    = 8 + 8 + 8 + 4 // indexOffset + bloomOffset + footerOffset + magic
	indexGranularity  = 16 * 1024     // one index entry per 16 KiB of data
	falsePositiveRate = 0.01
)

// indexEntry maps a key to the byte offset of its data-block record.
type indexEntry struct {
	Key    []byte
	Offset uint64
}

// SSTable is an immutable, sorted on-disk key/value file with a sparse
// index and a bloom filter, as described in spec §4.2. Once written, it is
// byte-immutable until compaction supersedes and deletes it.
type SSTable struct {
	FileID uint64
	Level  int
	Path   string

	index      []indexEntry
	bloom      *BloomFilter
	minKey     []byte
	maxKey     []byte
	entries    uint64
	tombs      uint64
	dataOffset uint64
}

// Create writes snapshot to a new SSTable file under dir named for fileID,
// using a temp-name-then-rename for crash safety, and returns a reader over
// the freshly written file.
func Create(dir string, fileID uint64, level int, snapshot []*Entry) (*SSTable, error) {
	sort.Slice(snapshot, func(i, j int) bool { return compareKeys(snapshot[i].Key, snapshot[j].Key) < 0 })

	path := SSTablePath(dir, fileID)
	tmpPath := path + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriter(f)
	fail := func(cause error) (*SSTable, error) {
		f.Close()
		os.Remove(tmpPath)
		return nil, cause
	}

	if _, err := w.Write(sstMagic[:]); err != nil {
		return fail(err)
	}
	if err := binary.Write(w, binary.LittleEndian, sstVersion); err != nil {
		return fail(err)
	}
	dataOffset := uint64(8)

	bloom := NewBloomFilter(len(snapshot), falsePositiveRate)
	for _, e := range snapshot {
		bloom.Add(e.Key)
	}

	var index []indexEntry
	offset := dataOffset
	lastBoundary := offset
	var tombs uint64

	for i, e := range snapshot {
		if i == 0 || offset-lastBoundary >= indexGranularity {
			index = append(index, indexEntry{Key: e.Key, Offset: offset})
			lastBoundary = offset
		}
		n, err := writeEntry(w, e)
		if err != nil {
			return fail(err)
		}
		offset += uint64(n)
		if e.Deleted {
			tombs++
		}
	}

	indexOffset := offset
	if err := writeIndexBlock(w, index); err != nil {
		return fail(err)
	}
	bloomOffset := indexOffset + uint64(indexBlockSize(index))

	bloomData := bloom.MarshalBinary()
	if _, err := w.Write(bloomData); err != nil {
		return fail(err)
	}
	footerOffset := bloomOffset + uint64(len(bloomData))

	var minKey, maxKey []byte
	if len(snapshot) > 0 {
		minKey = snapshot[0].Key
		maxKey = snapshot[len(snapshot)-1].Key
	}
	if err := w.Flush(); err != nil {
		return fail(err)
	}

	// CRC covers everything written so far (header through index+bloom).
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fail(err)
	}
	crc, err := crc32OfPrefix(f, footerOffset)
	if err != nil {
		return fail(err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return fail(err)
	}

	footerBuf := make([]byte, 0, 32+len(minKey)+len(maxKey))
	footerBuf = binary.AppendUvarint(footerBuf, uint64(len(minKey)))
	footerBuf = append(footerBuf, minKey...)
	footerBuf = binary.AppendUvarint(footerBuf, uint64(len(maxKey)))
	footerBuf = append(footerBuf, maxKey...)
	footerBuf = binary.LittleEndian.AppendUint64(footerBuf, uint64(len(snapshot)))
	footerBuf = binary.LittleEndian.AppendUint64(footerBuf, tombs)
	footerBuf = binary.LittleEndian.AppendUint32(footerBuf, uint32(level))
	footerBuf = binary.LittleEndian.AppendUint32(footerBuf, crc)
	if _, err := w.Write(footerBuf); err != nil {
		return fail(err)
	}

	trailerBuf := make([]byte, 0, sstTrailerSize)
	trailerBuf = binary.LittleEndian.AppendUint64(trailerBuf, indexOffset)
	trailerBuf = binary.LittleEndian.AppendUint64(trailerBuf, bloomOffset)
	trailerBuf = binary.LittleEndian.AppendUint64(trailerBuf, footerOffset)
	trailerBuf = append(trailerBuf, sstTrailerMagic[:]...)
	if _, err := w.Write(trailerBuf); err != nil {
		return fail(err)
	}

	if err := w.Flush(); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return nil, err
	}

	return &SSTable{
		FileID:     fileID,
		Level:      level,
		Path:       path,
		index:      index,
		bloom:      bloom,
		minKey:     minKey,
		maxKey:     maxKey,
		entries:    uint64(len(snapshot)),
		tombs:      tombs,
		dataOffset: dataOffset,
	}, nil
}

func crc32OfPrefix(f *os.File, n uint64) (uint32, error) {
	h := crc32.NewIEEE()
	if _, err := io.CopyN(h, f, int64(n)); err != nil {
		return 0, err
	}
	return h.Sum32(), nil
}

// OpenSSTable reads an existing SSTable's index, bloom filter and footer
// metadata without loading the data block into memory.
func OpenSSTable(path string) (*SSTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < int64(8+sstTrailerSize) {
		return nil, fmt.Errorf("%w: file too small", ErrCorrupted)
	}

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return nil, err
	}
	if magic != sstMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupted)
	}
	var version uint32
	if err := binary.Read(f, binary.LittleEndian, &version); err != nil {
		return nil, err
	}
	if version != sstVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupted, version)
	}

	trailer := make([]byte, sstTrailerSize)
	if _, err := f.ReadAt(trailer, info.Size()-int64(sstTrailerSize)); err != nil {
		return nil, err
	}
	if string(trailer[24:28]) != string(sstTrailerMagic[:]) {
		return nil, fmt.Errorf("%w: missing trailer magic", ErrCorrupted)
	}
	indexOffset := binary.LittleEndian.Uint64(trailer[0:8])
	bloomOffset := binary.LittleEndian.Uint64(trailer[8:16])
	footerOffset := binary.LittleEndian.Uint64(trailer[16:24])

	footerBuf := make([]byte, info.Size()-int64(sstTrailerSize)-int64(footerOffset))
	if _, err := f.ReadAt(footerBuf, int64(footerOffset)); err != nil {
		return nil, err
	}
	minKey, maxKey, entryCount, tombCount, level, crc, err := parseFooter(footerBuf)
	if err != nil {
		return nil, err
	}

	gotCRC, err := crc32OfPrefixAt(f, footerOffset)
	if err != nil {
		return nil, err
	}
	if gotCRC != crc {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupted)
	}

	indexBuf := make([]byte, bloomOffset-indexOffset)
	if _, err := f.ReadAt(indexBuf, int64(indexOffset)); err != nil {
		return nil, err
	}
	index, err := readIndexBlock(bufio.NewReader(bytes.NewReader(indexBuf)))
	if err != nil {
		return nil, err
	}

	bloomBuf := make([]byte, footerOffset-bloomOffset)
	if _, err := f.ReadAt(bloomBuf, int64(bloomOffset)); err != nil {
		return nil, err
	}
	bloom, _, err := UnmarshalBloomFilter(bloomBuf)
	if err != nil {
		return nil, err
	}

	fileID := parseSSTableFileID(filepath.Base(path))

	return &SSTable{
		FileID:     fileID,
		Level:      level,
		Path:       path,
		index:      index,
		bloom:      bloom,
		minKey:     minKey,
		maxKey:     maxKey,
		entries:    entryCount,
		tombs:      tombCount,
		dataOffset: 8,
	}, nil
}

func crc32OfPrefixAt(f *os.File, n uint64) (uint32, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	return crc32OfPrefix(f, n)
}

func parseFooter(buf []byte) (minKey, maxKey []byte, entryCount, tombCount uint64, level int, crc uint32, err error) {
	minLen, n1 := binary.Uvarint(buf)
	if n1 <= 0 {
		return nil, nil, 0, 0, 0, 0, ErrCorrupted
	}
	buf = buf[n1:]
	minKey = append([]byte(nil), buf[:minLen]...)
	buf = buf[minLen:]

	maxLen, n2 := binary.Uvarint(buf)
	if n2 <= 0 {
		return nil, nil, 0, 0, 0, 0, ErrCorrupted
	}
	buf = buf[n2:]
	maxKey = append([]byte(nil), buf[:maxLen]...)
	buf = buf[maxLen:]

	if len(buf) < 24 {
		return nil, nil, 0, 0, 0, 0, ErrCorrupted
	}
	entryCount = binary.LittleEndian.Uint64(buf[0:8])
	tombCount = binary.LittleEndian.Uint64(buf[8:16])
	level = int(binary.LittleEndian.Uint32(buf[16:20]))
	crc = binary.LittleEndian.Uint32(buf[20:24])
	return minKey, maxKey, entryCount, tombCount, level, crc, nil
}

// MightContain consults the bloom filter only; a false return means the key
// is definitely not present and the caller should skip the data scan.
func (s *SSTable) MightContain(key []byte) bool {
	return s.bloom.MightContain(key)
}

// Get binary-searches the sparse index to find the data block containing
// key, then scans it linearly.
func (s *SSTable) Get(key []byte) (Result, error) {
	if !s.MightContain(key) {
		return absentResult(), nil
	}

	f, err := os.Open(s.Path)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()

	start := s.dataOffset
	idx := sort.Search(len(s.index), func(i int) bool {
		return compareKeys(s.index[i].Key, key) > 0
	})
	if idx > 0 {
		start = s.index[idx-1].Offset
	}

	if _, err := f.Seek(int64(start), io.SeekStart); err != nil {
		return Result{}, err
	}
	r := bufio.NewReader(f)

	for {
		e, err := readEntry(r)
		if err == io.EOF {
			return absentResult(), nil
		}
		if err != nil {
			return Result{}, err
		}
		cmp := compareKeys(e.Key, key)
		if cmp == 0 {
			if e.Deleted {
				return tombstoneResult(), nil
			}
			return foundResult(e.Value), nil
		}
		if cmp > 0 {
			return absentResult(), nil
		}
	}
}

// KeyRange returns the minimum and maximum keys stored in this table.
func (s *SSTable) KeyRange() ([]byte, []byte) { return s.minKey, s.maxKey }

// EntryCount returns the number of records (including tombstones) written.
func (s *SSTable) EntryCount() uint64 { return s.entries }

// Iterator returns every entry in key order, for use by compaction.
func (s *SSTable) Iterator() ([]*Entry, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(int64(s.dataOffset), io.SeekStart); err != nil {
		return nil, err
	}
	r := bufio.NewReader(f)

	entries := make([]*Entry, 0, s.entries)
	for {
		e, err := readEntry(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Overlaps reports whether this table's key range intersects [minKey,
// maxKey], used by the compaction planner to find the overlapping set.
func (s *SSTable) Overlaps(minKey, maxKey []byte) bool {
	if s.entries == 0 {
		return false
	}
	return compareKeys(s.minKey, maxKey) <= 0 && compareKeys(s.maxKey, minKey) >= 0
}

// Close is a no-op placeholder: SSTable opens a fresh file handle per
// operation rather than holding one open, so there is nothing to release
// beyond what each call already closes via defer.
func (s *SSTable) Close() error { return nil }

// Delete removes the SSTable file from disk. Callers must ensure no
// concurrent readers still hold a reference.
func (s *SSTable) Delete() error {
	return os.Remove(s.Path)
}

// SizeBytes returns the on-disk file size, used by the leveled-compaction
// size-ratio check.
func (s *SSTable) SizeBytes() int64 {
	info, err := os.Stat(s.Path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// SSTablePath returns the canonical path for fileID under dir. The 16-hex
// prefix is the file_id, per spec §6's on-disk layout.
func SSTablePath(dir string, fileID uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%016x.db", fileID))
}

func parseSSTableFileID(base string) uint64 {
	name := base
	if ext := filepath.Ext(name); ext != "" {
		name = name[:len(name)-len(ext)]
	}
	var fileID uint64
	fmt.Sscanf(name, "%x", &fileID)
	return fileID
}

// --- wire encoding of entries, index block ---

func writeEntry(w *bufio.Writer, e *Entry) (int, error) {
	buf := make([]byte, 0, 10)
	buf = binary.AppendUvarint(buf, uint64(len(e.Key)))
	if e.Deleted {
		buf = binary.AppendUvarint(buf, 0)
	} else {
		buf = binary.AppendUvarint(buf, uint64(len(e.Value))+1)
	}
	if _, err := w.Write(buf); err != nil {
		return 0, err
	}
	n := len(buf)
	if _, err := w.Write(e.Key); err != nil {
		return 0, err
	}
	n += len(e.Key)
	if !e.Deleted {
		if _, err := w.Write(e.Value); err != nil {
			return 0, err
		}
		n += len(e.Value)
	}
	return n, nil
}

// readEntry decodes one record. value_len is stored as 0 for a tombstone
// and (actual length + 1) otherwise, so a zero-length live value is still
// distinguishable from a tombstone on the wire.
func readEntry(r *bufio.Reader) (*Entry, error) {
	keyLen, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	valueLenPlus, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	if valueLenPlus == 0 {
		return &Entry{Key: key, Deleted: true}, nil
	}
	value := make([]byte, valueLenPlus-1)
	if _, err := io.ReadFull(r, value); err != nil {
		return nil, err
	}
	return &Entry{Key: key, Value: value}, nil
}

func writeIndexBlock(w *bufio.Writer, index []indexEntry) error {
	buf := binary.AppendUvarint(nil, uint64(len(index)))
	if _, err := w.Write(buf); err != nil {
		return err
	}
	for _, e := range index {
		entryBuf := binary.AppendUvarint(nil, uint64(len(e.Key)))
		if _, err := w.Write(entryBuf); err != nil {
			return err
		}
		if _, err := w.Write(e.Key); err != nil {
			return err
		}
		offBuf := binary.AppendUvarint(nil, e.Offset)
		if _, err := w.Write(offBuf); err != nil {
			return err
		}
	}
	return nil
}

func indexBlockSize(index []indexEntry) int {
	size := uvarintLen(uint64(len(index)))
	for _, e := range index {
		size += uvarintLen(uint64(len(e.Key))) + len(e.Key) + uvarintLen(e.Offset)
	}
	return size
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

func readIndexBlock(r *bufio.Reader) ([]indexEntry, error) {
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	index := make([]indexEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		keyLen, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, err
		}
		offset, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		index = append(index, indexEntry{Key: key, Offset: offset})
	}
	return index, nil
}
