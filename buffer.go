package replica

import (
	"encoding/binary"
	"io"
	"math"
)

// buffer is a helper struct for serializing and deserializing as the caller
// does not need to externally manage where in the buffer they are currently reading or writing to.
// Writes append to buf; reads consume from pos.
type buffer struct {
	buf []byte
	pos int
}

func newBuffer(size int) *buffer {
	return &buffer{buf: make([]byte, 0, size)}
}

func newBufferFromRef(buf []byte) *buffer {
	return &buffer{buf: buf}
}

func (b *buffer) bytes() []byte {
	return b.buf
}

func (b *buffer) len() int {
	return len(b.buf)
}

func (b *buffer) remaining() int {
	return len(b.buf) - b.pos
}

func (b *buffer) reset() *buffer {
	b.buf = b.buf[:0]
	b.pos = 0
	return b
}

func (b *buffer) getBytes(length int) ([]byte, error) {
	if length < 0 || b.pos+length > len(b.buf) {
		return nil, io.ErrUnexpectedEOF
	}
	value := b.buf[b.pos : b.pos+length]
	b.pos += length
	return value, nil
}

func (b *buffer) rest() []byte {
	value := b.buf[b.pos:]
	b.pos = len(b.buf)
	return value
}

func (b *buffer) getUint8() (uint8, error) {
	buf, err := b.getBytes(sizeUint8)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (b *buffer) getUint16() (uint16, error) {
	buf, err := b.getBytes(sizeUint16)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf), nil
}

func (b *buffer) getUint32() (uint32, error) {
	buf, err := b.getBytes(sizeUint32)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf), nil
}

func (b *buffer) getUint64() (uint64, error) {
	buf, err := b.getBytes(sizeUint64)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}

func (b *buffer) getUvarint() (uint64, error) {
	n, size := binary.Uvarint(b.buf[b.pos:])
	if size <= 0 {
		return 0, io.ErrUnexpectedEOF
	}
	b.pos += size
	return n, nil
}

func (b *buffer) getVarint() (int64, error) {
	n, size := binary.Varint(b.buf[b.pos:])
	if size <= 0 {
		return 0, io.ErrUnexpectedEOF
	}
	b.pos += size
	return n, nil
}

func (b *buffer) getFloat32() (float32, error) {
	n, err := b.getUint32()
	return math.Float32frombits(n), err
}

func (b *buffer) getFloat64() (float64, error) {
	n, err := b.getUint64()
	return math.Float64frombits(n), err
}

// getPrefixed reads a uvarint length followed by that many bytes.
func (b *buffer) getPrefixed() ([]byte, error) {
	n, err := b.getUvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(b.remaining()) {
		return nil, io.ErrUnexpectedEOF
	}
	return b.getBytes(int(n))
}

func (b *buffer) writeByte(n byte) {
	b.buf = append(b.buf, n)
}

func (b *buffer) writeBytes(src []byte) {
	b.buf = append(b.buf, src...)
}

func (b *buffer) writeUint8(n uint8) {
	b.buf = append(b.buf, n)
}

func (b *buffer) writeUint16(n uint16) {
	b.buf = binary.LittleEndian.AppendUint16(b.buf, n)
}

func (b *buffer) writeUint32(n uint32) {
	b.buf = binary.LittleEndian.AppendUint32(b.buf, n)
}

func (b *buffer) writeUint64(n uint64) {
	b.buf = binary.LittleEndian.AppendUint64(b.buf, n)
}

func (b *buffer) writeUvarint(n uint64) {
	b.buf = binary.AppendUvarint(b.buf, n)
}

func (b *buffer) writeVarint(n int64) {
	b.buf = binary.AppendVarint(b.buf, n)
}

func (b *buffer) writeFloat32(f float32) {
	b.writeUint32(math.Float32bits(f))
}

func (b *buffer) writeFloat64(f float64) {
	b.writeUint64(math.Float64bits(f))
}

func (b *buffer) writePrefixed(src []byte) {
	b.writeUvarint(uint64(len(src)))
	b.writeBytes(src)
}

// setUint16 overwrites two bytes at offset, used to patch length fields.
func (b *buffer) setUint16(offset int, n uint16) {
	binary.LittleEndian.PutUint16(b.buf[offset:], n)
}

const (
	sizeUint8  = 1
	sizeUint16 = 2
	sizeUint32 = 4
	sizeUint64 = 8
)
