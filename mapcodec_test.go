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
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"
)

func newMapCodec(trackRef bool) *MapCodec {
	classes := NewClassResolver(trackRef)
	RegisterBuiltins(classes)
	refs := NewRefResolver(trackRef)
	return NewMapCodec(classes, refs, NewGenerics())
}

func monomorphicGenerics(keyType, valueType reflect.Type) (*GenericType, *GenericType) {
	return NewMonomorphicGeneric(keyType), NewMonomorphicGeneric(valueType)
}

func roundTrip(t *testing.T, entries []MapEntry, call MapWriteCall, readCall MapReadCall) any {
	t.Helper()
	codec := newMapCodec(false)
	buf := NewByteBuffer(nil)
	err := codec.WriteMap(buf, entries, call)
	require.NoError(t, err)

	readBuf := NewByteBuffer(buf.Bytes())
	readCodec := newMapCodec(false)
	readCodec.Classes = codec.Classes
	got, err := readCodec.ReadMap(readBuf, readCall)
	require.NoError(t, err)
	require.Equal(t, buf.WriterIndex(), readBuf.ReaderIndex(), "reader should consume exactly what writer produced")
	return got
}

func stringInt32MapType() reflect.Type {
	return reflect.TypeOf(map[string]int32{})
}

func TestWriteMapEmpty(t *testing.T) {
	codec := newMapCodec(false)
	buf := NewByteBuffer(nil)
	keyG, valG := monomorphicGenerics(reflect.TypeOf(""), reflect.TypeOf(int32(0)))
	err := codec.WriteMap(buf, nil, MapWriteCall{KeyGeneric: keyG, ValueGeneric: valG})
	require.NoError(t, err)
	require.Equal(t, []byte{0}, buf.Bytes())
}

// Scenario: {"a":1,"b":2,"c":3} with monomorphic string/int32 sides packs
// into a single homogeneous chunk (spec §8 scenario 1).
func TestSingleHomogeneousChunk(t *testing.T) {
	keyG, valG := monomorphicGenerics(reflect.TypeOf(""), reflect.TypeOf(int32(0)))
	entries := []MapEntry{{"a", int32(1)}, {"b", int32(2)}, {"c", int32(3)}}
	got := roundTrip(t, entries,
		MapWriteCall{KeyGeneric: keyG, ValueGeneric: valG},
		MapReadCall{KeyGeneric: keyG, ValueGeneric: valG, ContainerType: stringInt32MapType()})
	m := got.(map[string]int32)
	require.Equal(t, map[string]int32{"a": 1, "b": 2, "c": 3}, m)
}

// More than 127 entries forces a second chunk (spec §4.5 step 1, maxChunkSize).
func TestChunkSplitAtMaxSize(t *testing.T) {
	keyG, valG := monomorphicGenerics(reflect.TypeOf(""), reflect.TypeOf(int32(0)))
	entries := make([]MapEntry, 0, 200)
	want := make(map[string]int32, 200)
	for i := 0; i < 200; i++ {
		k := string(rune('A' + (i % 26)))
		k = k + string(rune('a'+(i/26)))
		entries = append(entries, MapEntry{k, int32(i)})
		want[k] = int32(i)
	}
	got := roundTrip(t, entries,
		MapWriteCall{KeyGeneric: keyG, ValueGeneric: valG},
		MapReadCall{KeyGeneric: keyG, ValueGeneric: valG, ContainerType: stringInt32MapType()})
	require.Equal(t, want, got.(map[string]int32))
}

// Scenario: {"a":1,"b":null,"c":3} (spec §8 scenario 6). The literal scenario
// prose claims "one chunk of size 3", but the algorithm stated in spec §4.5
// step 1 bullet 3 (a null value forces a chunk break once chunkSize>0 and no
// null has been seen yet in the current chunk) produces two chunks:
// {"a":1} then {"b":null,"c":3}. This test asserts the algorithmically
// correct, two-chunk shape; see DESIGN.md's "Open questions resolved"
// section for the full writeup of the prose/algorithm discrepancy.
func TestNullValueSplitsChunk(t *testing.T) {
	keyG := NewMonomorphicGeneric(reflect.TypeOf(""))
	valG := NewPolymorphicGeneric(reflect.TypeOf((*any)(nil)).Elem())
	entries := []MapEntry{{"a", int32(1)}, {"b", nil}, {"c", int32(3)}}

	codec := newMapCodec(false)
	buf := NewByteBuffer(nil)
	err := codec.WriteMap(buf, entries, MapWriteCall{
		KeyGeneric:   keyG,
		ValueGeneric: valG,
	})
	require.NoError(t, err)

	data := buf.Bytes()
	require.Equal(t, byte(3), data[0], "size varint")
	require.Equal(t, byte(1), data[1], "first chunk holds only \"a\"")
}

// Scenario 8 (spec §8): a map whose values start homogeneous (all int32)
// then diverge in type while keys also diverge, escalating to the unchunked
// generic tail. This test checks the qualitative shape (two one-entry chunks,
// then a sentinel byte, then generically-encoded entries) rather than the literal
// entry count in the scenario's prose, which doesn't arithmetically
// reconcile with a precise trace of the stated break/escalation rules; see
// DESIGN.md's "Open questions resolved" section for the full writeup.
func TestHeterogeneousMapEscalatesToGenericTail(t *testing.T) {
	entries := []MapEntry{
		{"a", int32(1)},
		{"b", "not an int"},
		{int32(7), int32(2)},
		{3.5, true},
	}
	codec := newMapCodec(false)
	buf := NewByteBuffer(nil)
	err := codec.WriteMap(buf, entries, MapWriteCall{})
	require.NoError(t, err)

	data := buf.Bytes()
	require.Equal(t, byte(1), data[1], "first chunk holds only \"a\"")
	// value divergence at "b" resets into a second chunk at byte 14.
	require.Equal(t, byte(1), data[14], "second chunk holds only \"b\"")
	require.Equal(t, valueNotSameTypeBit, data[15])
	// key divergence at int32(7) escalates: 0 sentinel after "b"'s 26 bytes.
	require.Equal(t, byte(0), data[40], "unchunked-tail sentinel")

	readCodec := newMapCodec(false)
	readCodec.Classes = codec.Classes
	readBuf := NewByteBuffer(buf.Bytes())
	gotAny, err := readCodec.ReadMap(readBuf, MapReadCall{ContainerType: reflect.TypeOf(map[any]any{})})
	require.NoError(t, err)
	got := gotAny.(map[any]any)
	require.Equal(t, int32(1), got["a"])
	require.Equal(t, "not an int", got["b"])
	require.Equal(t, int32(2), got[int32(7)])
	require.Equal(t, true, got[3.5])
}

// At most one null key may appear in a map, and it isolates its own chunk
// (spec §3 invariant): the chunk holding a null key has size 1.
func TestNullKeyIsolatesOwnChunk(t *testing.T) {
	keyG := NewPolymorphicGeneric(reflect.TypeOf((*any)(nil)).Elem())
	valG := NewMonomorphicGeneric(reflect.TypeOf(int32(0)))
	entries := []MapEntry{{"a", int32(1)}, {nil, int32(2)}, {"c", int32(3)}}
	codec := newMapCodec(false)
	buf := NewByteBuffer(nil)
	err := codec.WriteMap(buf, entries, MapWriteCall{KeyGeneric: keyG, ValueGeneric: valG})
	require.NoError(t, err)

	data := buf.Bytes()
	require.Equal(t, byte(3), data[0])
	require.Equal(t, byte(1), data[1], "chunk holding \"a\" has size 1")
	// "a" takes bytes 3..10 (class tag 3, string 4, value 1).
	require.Equal(t, byte(1), data[11], "chunk holding the null key has size 1")
}

// Reference tracking preserves identity across repeated values when the
// global policy tracks references: the same pointer written twice round
// trips to the same instance on read.
func TestReferenceIdentityPreserved(t *testing.T) {
	b := &box{n: 42}

	classes := NewClassResolver(true)
	RegisterBuiltins(classes)
	boxType := reflect.TypeOf(b)
	classes.Register(boxType, UNKNOWN, refSerializer{})
	refs := NewRefResolver(true)
	codec := NewMapCodec(classes, refs, NewGenerics())

	keyG := NewMonomorphicGeneric(reflect.TypeOf(""))
	valG := NewPolymorphicGeneric(boxType)
	entries := []MapEntry{{"x", b}, {"y", b}}

	buf := NewByteBuffer(nil)
	err := codec.WriteMap(buf, entries, MapWriteCall{KeyGeneric: keyG, ValueGeneric: valG})
	require.NoError(t, err)

	readRefs := NewRefResolver(true)
	readCodec := NewMapCodec(classes, readRefs, NewGenerics())
	got, err := readCodec.ReadMap(NewByteBuffer(buf.Bytes()), MapReadCall{
		KeyGeneric: keyG, ValueGeneric: valG, ContainerType: reflect.TypeOf(map[string]*box{}),
	})
	require.NoError(t, err)
	m := got.(map[string]*box)
	require.Same(t, m["x"], m["y"])
}

// box is a tiny test-only struct used by TestReferenceIdentityPreserved and
// refSerializer below; it must be package-scoped so it can carry the N()
// method refSerializer.Write relies on.
type box struct{ n int }

func (b *box) N() int { return b.n }

// refSerializer is a tiny test-only Serializer for *box, grounded the same
// way the builtin scalar serializers are: Write/Read never touch null or
// reference framing, MapCodec's RefResolver calls handle that.
type refSerializer struct{}

func (refSerializer) Write(buf *ByteBuffer, v any) {
	buf.WriteInt32(int32(v.(interface{ N() int }).N()))
}
func (refSerializer) Read(buf *ByteBuffer) any { return &box{n: int(buf.ReadInt32())} }
func (refSerializer) NeedToWriteRef() bool     { return true }

// A map whose container type has no registered factory and isn't a native
// Go map fails with MissingConstructor (SPEC_FULL.md §6 item 5).
func TestReadMapMissingConstructor(t *testing.T) {
	type customSet struct{}
	codec := newMapCodec(false)
	buf := NewByteBuffer(nil)
	err := codec.WriteMap(buf, nil, MapWriteCall{})
	require.NoError(t, err)

	_, err = codec.ReadMap(NewByteBuffer(buf.Bytes()), MapReadCall{ContainerType: reflect.TypeOf(customSet{})})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrMissingConstructor)
}

// A chunk-size byte above 127 is a protocol violation, not a panic the
// caller must recover from manually: ReadMap converts it to an error.
func TestReadMapRejectsOversizedChunkByte(t *testing.T) {
	codec := newMapCodec(false)
	buf := NewByteBuffer(nil)
	buf.WriteVarUint32Small7(1)
	buf.WriteByte_(200) // invalid chunk size byte
	_, err := codec.ReadMap(buf, MapReadCall{ContainerType: stringInt32MapType()})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrProtocolMismatch)
}

// A custom container type with a registered factory is populated via its
// Set method instead of reflect.MakeMapWithSize.
type pairList struct {
	keys   []any
	values []any
}

func (p *pairList) Set(key, value any) {
	p.keys = append(p.keys, key)
	p.values = append(p.values, value)
}

func TestReadMapCustomContainerFactory(t *testing.T) {
	keyG, valG := monomorphicGenerics(reflect.TypeOf(""), reflect.TypeOf(int32(0)))
	codec := newMapCodec(false)
	buf := NewByteBuffer(nil)
	entries := []MapEntry{{"a", int32(1)}, {"b", int32(2)}}
	err := codec.WriteMap(buf, entries, MapWriteCall{KeyGeneric: keyG, ValueGeneric: valG})
	require.NoError(t, err)

	listType := reflect.TypeOf(pairList{})
	codec.RegisterContainerFactory(listType, func() MapContainer { return &pairList{} })
	got, err := codec.ReadMap(NewByteBuffer(buf.Bytes()), MapReadCall{
		KeyGeneric: keyG, ValueGeneric: valG, ContainerType: listType,
	})
	require.NoError(t, err)
	list := got.(*pairList)
	require.Equal(t, []any{"a", "b"}, list.keys)
	require.Equal(t, []any{int32(1), int32(2)}, list.values)
}
