package merklesig

import (
	"bytes"
	"encoding/binary"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash"
	"github.com/edsrzf/mmap-go"
	"github.com/hashicorp/go-multierror"
	"github.com/nightlyone/lockfile"

	"github.com/bwesterb/go-merklesig/digest"
)

// A Bundle stores the messages of one signing session together with their
// signed entries and the root hash, so that they can be verified in
// another process.
//
// On disk a bundle is stored in a single file:
//
//	path/to/bundle        the encoded bundle with an xxhash64 trailer
//	path/to/bundle.lock   a lockfile held while writing
type Bundle struct {
	Algorithm digest.Algorithm
	Root      []byte
	Messages  [][]byte
	Entries   SignedVector
}

var bundleMagic = []byte("MSIGBNDL")

const bundleVersion byte = 1

// Creates a bundle for the given messages and the vector returned by
// Context.Sign for them.
func NewBundle(messages [][]byte, vec SignedVector) (*Bundle, Error) {
	if len(messages) != len(vec) {
		return nil, errorf(Malformed, "%d messages but %d signed entries",
			len(messages), len(vec))
	}
	if len(vec) == 0 {
		return nil, errorf(Malformed, "empty bundle")
	}
	for i := range vec {
		if vec[i].Proof == nil || vec[i].Proof.Algorithm == nil ||
			vec[i].Signature == nil {
			return nil, errorf(Malformed, "entry %d is incomplete", i)
		}
	}
	root := vec.RootHash()
	alg := vec[0].Proof.Algorithm
	for i := range vec {
		if vec[i].Proof.Algorithm.ID() != alg.ID() ||
			!bytes.Equal(vec[i].Proof.RootHash, root) {
			return nil, errorf(Malformed,
				"entry %d belongs to another signing session", i)
		}
	}
	return &Bundle{
		Algorithm: alg,
		Root:      root,
		Messages:  messages,
		Entries:   vec,
	}, nil
}

// Verifies all entries against the given trusted root.  Note that the root
// stored in the bundle is not trusted.
func (b *Bundle) Verify(ctx *Context, trustedRoot []byte) error {
	if ctx == nil {
		ctx = NewContext(b.Algorithm)
	}
	return ctx.VerifyVector(b.Messages, b.Entries, trustedRoot)
}

// Encodes the bundle, including the checksum trailer.
func (b *Bundle) MarshalBinary() ([]byte, error) {
	var buf []byte
	buf = append(buf, bundleMagic...)
	buf = append(buf, bundleVersion)
	buf = append(buf, byte(b.Algorithm.ID()>>8), byte(b.Algorithm.ID()))
	buf = appendLenPrefixed(buf, b.Root)
	buf = appendUint32(buf, uint32(len(b.Messages)))
	for i, msg := range b.Messages {
		entryBuf, err := b.Entries[i].MarshalBinary()
		if err != nil {
			return nil, err
		}
		buf = appendLenPrefixed(buf, msg)
		buf = appendLenPrefixed(buf, entryBuf)
	}
	var sum [8]byte
	binary.BigEndian.PutUint64(sum[:], xxhash.Sum64(buf))
	return append(buf, sum[:]...), nil
}

// Decodes a bundle encoded with MarshalBinary.
func (b *Bundle) UnmarshalBinary(buf []byte) error {
	if len(buf) < len(bundleMagic)+8 ||
		!bytes.Equal(buf[:len(bundleMagic)], bundleMagic) {
		return errorf(Malformed, "not a bundle")
	}
	body := buf[:len(buf)-8]
	if xxhash.Sum64(body) != binary.BigEndian.Uint64(buf[len(body):]) {
		return errorf(Malformed, "bundle checksum mismatch")
	}

	d := decoder{buf: body[len(bundleMagic):]}
	version := d.bytes(1)
	algID := d.uint16()
	root := d.lenPrefixed()
	count := d.uint32()
	if !d.ok() {
		return errorf(Malformed, "bundle header is truncated")
	}
	if version[0] != bundleVersion {
		return errorf(Malformed, "unsupported bundle version %d", version[0])
	}
	alg := digest.FromID(digest.ID(algID))
	if alg == nil {
		return errorf(Malformed, "unknown hash algorithm 0x%04x", algID)
	}
	if uint64(count) > uint64(len(d.buf)/8) {
		return errorf(Malformed, "invalid number of entries")
	}

	msgs := make([][]byte, count)
	vec := make(SignedVector, count)
	for i := range vec {
		msgs[i] = d.lenPrefixed()
		entryBuf := d.lenPrefixed()
		if !d.ok() {
			return errorf(Malformed, "entry %d is truncated", i)
		}
		if err := vec[i].UnmarshalBinary(entryBuf); err != nil {
			return wrapErrorf(Malformed, err, "entry %d", i)
		}
		if vec[i].Proof.Algorithm.ID() != alg.ID() {
			return errorf(Malformed, "entry %d uses another hash algorithm", i)
		}
	}
	if !d.done() {
		return errorf(Malformed, "trailing data in bundle")
	}

	b.Algorithm = alg
	b.Root = root
	b.Messages = msgs
	b.Entries = vec
	return nil
}

// Writes the bundle to the given path, replacing any existing file.
// Holds path.lock while writing; if another process holds it, the
// returned Error has Locked() set.
func WriteBundle(path string, b *Bundle) (err Error) {
	absPath, err2 := filepath.Abs(path)
	if err2 != nil {
		return wrapErrorf(Storage, err2,
			"Could not turn %s into an absolute path", path)
	}

	lockFilePath := absPath + ".lock"
	flock, err2 := lockfile.New(lockFilePath)
	if err2 != nil {
		return wrapErrorf(Storage, err2,
			"Failed to create lockfile %s", lockFilePath)
	}
	err2 = flock.TryLock()
	if err2 != nil {
		if _, ok := err2.(interface {
			Temporary() bool
		}); ok {
			err3 := errorf(Storage, "%s is locked", path)
			err3.locked = true
			return err3
		}
		return wrapErrorf(Storage, err2, "Failed to lock %s", lockFilePath)
	}
	defer func() {
		if err2 := flock.Unlock(); err2 != nil && err == nil {
			err = wrapErrorf(Storage, err2, "Failed to unlock %s", lockFilePath)
		}
	}()

	buf, err2 := b.MarshalBinary()
	if err2 != nil {
		return wrapErrorf(Malformed, err2, "Failed to encode bundle")
	}

	// Write to a temporary file first, so that readers never see
	// a partially written bundle.
	tmpPath := absPath + ".tmp"
	if err2 = ioutil.WriteFile(tmpPath, buf, 0644); err2 != nil {
		return wrapErrorf(Storage, err2, "Failed to write %s", tmpPath)
	}
	if err2 = os.Rename(tmpPath, absPath); err2 != nil {
		return wrapErrorf(Storage, err2, "Failed to move %s into place", tmpPath)
	}
	log.Logf("Wrote bundle of %d entries to %s", len(b.Entries), absPath)
	return nil
}

// Reads the bundle stored at the given path.
func OpenBundle(path string) (b *Bundle, err Error) {
	f, err2 := os.Open(path)
	if err2 != nil {
		return nil, wrapErrorf(Storage, err2, "Failed to open %s", path)
	}

	var closeErrs *multierror.Error
	defer func() {
		if err2 := f.Close(); err2 != nil {
			closeErrs = multierror.Append(closeErrs, err2)
		}
		if closeErrs != nil && err == nil {
			b = nil
			err = wrapErrorf(Storage, closeErrs, "Failed to close %s", path)
		}
	}()

	fi, err2 := f.Stat()
	if err2 != nil {
		return nil, wrapErrorf(Storage, err2, "Failed to stat %s", path)
	}
	if fi.Size() == 0 {
		return nil, errorf(Malformed, "%s is empty", path)
	}

	buf, err2 := mmap.Map(f, mmap.RDONLY, 0)
	if err2 != nil {
		return nil, wrapErrorf(Storage, err2, "Failed to mmap %s", path)
	}
	defer func() {
		if err2 := buf.Unmap(); err2 != nil {
			closeErrs = multierror.Append(closeErrs, err2)
		}
	}()

	b = new(Bundle)
	if err2 = b.UnmarshalBinary(buf); err2 != nil {
		return nil, wrapErrorf(Malformed, err2, "Failed to parse %s", path)
	}
	log.Logf("Read bundle of %d entries from %s", len(b.Entries), path)
	return b, nil
}
