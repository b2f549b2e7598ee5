// Licensed to the Apache Software Foundation (ASF) under one
// or more contributor license agreements.  See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership.  The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License.  You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package fury

import (
	"encoding/binary"
	"math"
)

// ByteBuffer is a growable byte cursor with independent reader/writer
// indexes, little-endian fixed-width codecs, and back-patching support via
// Reserve/WriteAt. The trailing underscore on WriteByte_/ReadByte_ avoids
// colliding with io.ByteWriter/io.ByteReader's error-returning signatures.
type ByteBuffer struct {
	data        []byte
	writerIndex int
	readerIndex int
}

// NewByteBuffer wraps data for reading, or starts a fresh empty buffer for
// writing when data is nil.
func NewByteBuffer(data []byte) *ByteBuffer {
	return &ByteBuffer{data: data, writerIndex: len(data)}
}

// Reset clears the buffer for reuse without releasing its backing array.
func (b *ByteBuffer) Reset() {
	b.data = b.data[:0]
	b.writerIndex = 0
	b.readerIndex = 0
}

func (b *ByteBuffer) WriterIndex() int { return b.writerIndex }
func (b *ByteBuffer) ReaderIndex() int { return b.readerIndex }

// SetWriterIndex relocates the write cursor, growing the backing array with
// zero bytes if necessary. Used for Reserve's positional back-patch.
func (b *ByteBuffer) SetWriterIndex(index int) {
	b.grow(index)
	b.writerIndex = index
}

func (b *ByteBuffer) SetReaderIndex(index int) { b.readerIndex = index }

// Bytes returns the written portion of the buffer.
func (b *ByteBuffer) Bytes() []byte { return b.data[:b.writerIndex] }

func (b *ByteBuffer) grow(n int) {
	if n <= len(b.data) {
		return
	}
	newData := make([]byte, n, max(n*2, 16))
	copy(newData, b.data)
	b.data = newData
}

func (b *ByteBuffer) ensureWrite(n int) {
	b.grow(b.writerIndex + n)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Reserve advances the writer index by n bytes without writing anything and
// returns the pre-advance offset, for later back-patching via WriteAt.
func (b *ByteBuffer) Reserve(n int) int {
	offset := b.writerIndex
	b.ensureWrite(n)
	b.writerIndex += n
	return offset
}

// WriteAt temporarily relocates the writer index to offset, runs fn, then
// restores the original writer index. fn must not grow the buffer past its
// current length (it is meant for back-patching already-reserved bytes).
func (b *ByteBuffer) WriteAt(offset int, fn func(*ByteBuffer)) {
	saved := b.writerIndex
	b.writerIndex = offset
	fn(b)
	b.writerIndex = saved
}

func (b *ByteBuffer) WriteByte_(v byte) {
	b.ensureWrite(1)
	b.data[b.writerIndex] = v
	b.writerIndex++
}

func (b *ByteBuffer) ReadByte_() byte {
	if b.readerIndex+1 > b.writerIndex {
		panic(newTruncation("read byte at %d past writer index %d", b.readerIndex, b.writerIndex))
	}
	v := b.data[b.readerIndex]
	b.readerIndex++
	return v
}

func (b *ByteBuffer) WriteBool(v bool) {
	if v {
		b.WriteByte_(1)
	} else {
		b.WriteByte_(0)
	}
}

func (b *ByteBuffer) ReadBool() bool { return b.ReadByte_() != 0 }

func (b *ByteBuffer) WriteInt16(v int16) {
	b.ensureWrite(2)
	binary.LittleEndian.PutUint16(b.data[b.writerIndex:], uint16(v))
	b.writerIndex += 2
}

func (b *ByteBuffer) ReadInt16() int16 {
	b.requireRead(2)
	v := int16(binary.LittleEndian.Uint16(b.data[b.readerIndex:]))
	b.readerIndex += 2
	return v
}

func (b *ByteBuffer) WriteInt32(v int32) {
	b.ensureWrite(4)
	binary.LittleEndian.PutUint32(b.data[b.writerIndex:], uint32(v))
	b.writerIndex += 4
}

func (b *ByteBuffer) ReadInt32() int32 {
	b.requireRead(4)
	v := int32(binary.LittleEndian.Uint32(b.data[b.readerIndex:]))
	b.readerIndex += 4
	return v
}

func (b *ByteBuffer) WriteInt64(v int64) {
	b.ensureWrite(8)
	binary.LittleEndian.PutUint64(b.data[b.writerIndex:], uint64(v))
	b.writerIndex += 8
}

func (b *ByteBuffer) ReadInt64() int64 {
	b.requireRead(8)
	v := int64(binary.LittleEndian.Uint64(b.data[b.readerIndex:]))
	b.readerIndex += 8
	return v
}

func (b *ByteBuffer) WriteFloat32(v float32) { b.WriteInt32(int32(math.Float32bits(v))) }
func (b *ByteBuffer) ReadFloat32() float32   { return math.Float32frombits(uint32(b.ReadInt32())) }
func (b *ByteBuffer) WriteFloat64(v float64) { b.WriteInt64(int64(math.Float64bits(v))) }
func (b *ByteBuffer) ReadFloat64() float64   { return math.Float64frombits(uint64(b.ReadInt64())) }

func (b *ByteBuffer) requireRead(n int) {
	if b.readerIndex+n > b.writerIndex {
		panic(newTruncation("read %d bytes at %d past writer index %d", n, b.readerIndex, b.writerIndex))
	}
}

func (b *ByteBuffer) WriteBinary(v []byte) {
	b.ensureWrite(len(v))
	copy(b.data[b.writerIndex:], v)
	b.writerIndex += len(v)
}

func (b *ByteBuffer) ReadBinary(n int) []byte {
	b.requireRead(n)
	v := make([]byte, n)
	copy(v, b.data[b.readerIndex:b.readerIndex+n])
	b.readerIndex += n
	return v
}

// WriteVarUint32Small7 encodes v as unsigned LEB128: a one-byte fast path for
// v < 128, falling back to continuation bytes for larger values. Returns the
// number of bytes written.
func (b *ByteBuffer) WriteVarUint32Small7(v uint32) int {
	n := 0
	for {
		if v < 0x80 {
			b.WriteByte_(byte(v))
			n++
			return n
		}
		b.WriteByte_(byte(v) | 0x80)
		v >>= 7
		n++
	}
}

// ReadVarUint32Small7 decodes a value written by WriteVarUint32Small7.
func (b *ByteBuffer) ReadVarUint32Small7() uint32 {
	var result uint32
	var shift uint
	for {
		byt := b.ReadByte_()
		result |= uint32(byt&0x7f) << shift
		if byt&0x80 == 0 {
			return result
		}
		shift += 7
	}
}

// WriteVarUint36 encodes v as unsigned LEB128 over the full uint64 range
// (no 36-bit cap is applied). It backs varInt64Serializer and the
// fingerprint in RegisterNamed's class tags; reference ids use
// WriteVarUint32Small7 instead.
func (b *ByteBuffer) WriteVarUint36(v uint64) int {
	n := 0
	for {
		if v < 0x80 {
			b.WriteByte_(byte(v))
			n++
			return n
		}
		b.WriteByte_(byte(v) | 0x80)
		v >>= 7
		n++
	}
}

// ReadVarUint36 decodes a value written by WriteVarUint36.
func (b *ByteBuffer) ReadVarUint36() uint64 {
	var result uint64
	var shift uint
	for {
		byt := b.ReadByte_()
		result |= uint64(byt&0x7f) << shift
		if byt&0x80 == 0 {
			return result
		}
		shift += 7
	}
}
