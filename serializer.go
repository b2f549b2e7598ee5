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
	"errors"
	"reflect"

	"github.com/fury-project/fury/meta"
)

// Serializer reads and writes the payload of one concrete type. It is
// deliberately narrower than the teacher's full Serializer interface (no
// StructHash/Alignment/xlang method set): MapCodec only ever needs to read
// or write one element's payload, with null/reference handling already
// peeled off by RefResolver before Serializer is invoked.
//
// Write/Read never touch null or reference flags themselves; MapCodec writes
// and reads those flags around Write/Read (through RefResolver on sides that
// track references) per spec §4.5/§4.6.
type Serializer interface {
	// Write encodes v (guaranteed non-nil, of the type this Serializer was
	// registered for) to buf.
	Write(buf *ByteBuffer, v any)
	// Read decodes and returns one value of this Serializer's type from buf.
	Read(buf *ByteBuffer) any
	// NeedToWriteRef reports whether values of this type should participate
	// in reference tracking. Primitive value types answer false; pointer and
	// interface-backed types typically answer true.
	NeedToWriteRef() bool
}

// boolSerializer, int8Serializer, ... implement Serializer for the builtin
// scalar types, grounded on the teacher's primitive.go (one tiny struct per
// wire-primitive type rather than a single type-switching Serializer). None
// of these track references: scalars have no useful identity.

type boolSerializer struct{}

func (boolSerializer) Write(buf *ByteBuffer, v any) { buf.WriteBool(v.(bool)) }
func (boolSerializer) Read(buf *ByteBuffer) any     { return buf.ReadBool() }
func (boolSerializer) NeedToWriteRef() bool         { return false }

type int8Serializer struct{}

func (int8Serializer) Write(buf *ByteBuffer, v any) { buf.WriteByte_(byte(v.(int8))) }
func (int8Serializer) Read(buf *ByteBuffer) any     { return int8(buf.ReadByte_()) }
func (int8Serializer) NeedToWriteRef() bool         { return false }

type int16Serializer struct{}

func (int16Serializer) Write(buf *ByteBuffer, v any) { buf.WriteInt16(v.(int16)) }
func (int16Serializer) Read(buf *ByteBuffer) any     { return buf.ReadInt16() }
func (int16Serializer) NeedToWriteRef() bool         { return false }

type int32Serializer struct{}

func (int32Serializer) Write(buf *ByteBuffer, v any) { buf.WriteInt32(v.(int32)) }
func (int32Serializer) Read(buf *ByteBuffer) any     { return buf.ReadInt32() }
func (int32Serializer) NeedToWriteRef() bool         { return false }

type varInt32Serializer struct{}

func (varInt32Serializer) Write(buf *ByteBuffer, v any) {
	buf.WriteVarUint32Small7(uint32(v.(int32)))
}
func (varInt32Serializer) Read(buf *ByteBuffer) any { return int32(buf.ReadVarUint32Small7()) }
func (varInt32Serializer) NeedToWriteRef() bool     { return false }

type int64Serializer struct{}

func (int64Serializer) Write(buf *ByteBuffer, v any) { buf.WriteInt64(v.(int64)) }
func (int64Serializer) Read(buf *ByteBuffer) any     { return buf.ReadInt64() }
func (int64Serializer) NeedToWriteRef() bool         { return false }

type varInt64Serializer struct{}

func (varInt64Serializer) Write(buf *ByteBuffer, v any) {
	buf.WriteVarUint36(uint64(v.(int64)))
}
func (varInt64Serializer) Read(buf *ByteBuffer) any { return int64(buf.ReadVarUint36()) }
func (varInt64Serializer) NeedToWriteRef() bool     { return false }

type float32Serializer struct{}

func (float32Serializer) Write(buf *ByteBuffer, v any) { buf.WriteFloat32(v.(float32)) }
func (float32Serializer) Read(buf *ByteBuffer) any     { return buf.ReadFloat32() }
func (float32Serializer) NeedToWriteRef() bool         { return false }

type float64Serializer struct{}

func (float64Serializer) Write(buf *ByteBuffer, v any) { buf.WriteFloat64(v.(float64)) }
func (float64Serializer) Read(buf *ByteBuffer) any     { return buf.ReadFloat64() }
func (float64Serializer) NeedToWriteRef() bool         { return false }

// stringSerializer writes strings via the MetaString codec (spec §6 item 4)
// rather than a bare length-prefixed UTF-8 blob, so short, low-entropy map
// keys (the overwhelmingly common case: field-name-shaped keys) pack at 5 or
// 6 bits/char instead of 8.
type stringSerializer struct {
	enc *meta.Encoder
	dec *meta.Decoder
}

// newStringSerializer constructs a stringSerializer using '.' and '_' as the
// two extra LOWER_UPPER_DIGIT_SPECIAL symbols, matching the special
// characters most field/key names actually contain.
func newStringSerializer() *stringSerializer {
	return &stringSerializer{enc: meta.NewEncoder('.', '_'), dec: meta.NewDecoder('.', '_')}
}

func (s *stringSerializer) Write(buf *ByteBuffer, v any) {
	str := v.(string)
	ms, err := s.enc.Encode(str)
	if err != nil {
		if errors.Is(err, meta.ErrOversized) {
			panic(newOversizedString(len(str)))
		}
		panic(err)
	}
	buf.WriteByte_(byte(ms.Encoding()))
	buf.WriteVarUint32Small7(uint32(ms.NumBits()))
	buf.WriteVarUint32Small7(uint32(len(ms.OutputBytes())))
	buf.WriteBinary(ms.OutputBytes())
}

func (s *stringSerializer) Read(buf *ByteBuffer) any {
	encoding := meta.Encoding(buf.ReadByte_())
	numBits := int(buf.ReadVarUint32Small7())
	n := buf.ReadVarUint32Small7()
	payload := buf.ReadBinary(int(n))
	return s.dec.Decode(payload, encoding, numBits)
}

func (s *stringSerializer) NeedToWriteRef() bool { return false }

// RegisterBuiltins installs Serializer/ClassInfo entries for every scalar
// type spec §3's data model names, plus string (whose serializer uses the
// MetaString codec). Maps are handled by MapCodec itself, not through the
// generic ClassResolver path.
func RegisterBuiltins(r *ClassResolver) {
	r.Register(reflect.TypeOf(false), BOOL, boolSerializer{})
	r.Register(reflect.TypeOf(int8(0)), INT8, int8Serializer{})
	r.Register(reflect.TypeOf(int16(0)), INT16, int16Serializer{})
	r.Register(reflect.TypeOf(int32(0)), VAR_INT32, varInt32Serializer{})
	r.Register(reflect.TypeOf(int64(0)), VAR_INT64, varInt64Serializer{})
	r.Register(reflect.TypeOf(float32(0)), FLOAT32, float32Serializer{})
	r.Register(reflect.TypeOf(float64(0)), FLOAT64, float64Serializer{})
	r.Register(reflect.TypeOf(""), STRING, newStringSerializer())
}
