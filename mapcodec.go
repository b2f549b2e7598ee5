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
	"fmt"
	"reflect"
)

// Header bits, one byte per chunk: tracks per-side reference-tracking
// policy, null presence, and type homogeneity.
const (
	trackingKeyRefBit   byte = 1 << 0
	keyHasNullBit       byte = 1 << 1
	keyNotSameTypeBit   byte = 1 << 2
	trackingValueRefBit byte = 1 << 3
	valueHasNullBit     byte = 1 << 4
	valueNotSameTypeBit byte = 1 << 5
)

// maxChunkSize is the largest number of entries one chunk may hold; the
// 128th entry forces a new chunk (spec §4.5 step 1).
const maxChunkSize = 127

// MapEntry is one key/value pair from a map, in the order MapCodec should
// write them. Go's native map iteration order is randomized, but the wire
// format's chunk boundaries are a direct function of entry order (spec §5
// "Ordering"), so callers supply entries pre-ordered rather than MapCodec
// ranging over a map itself.
type MapEntry struct {
	Key   any
	Value any
}

// MapWriteCall carries the one-shot, call-scoped options for a single
// WriteMap invocation: optional user-supplied key/value serializers and
// declared generic types. Passing it by value each call is this module's
// realization of spec §9's "user-supplied one-shot serializers become a
// Call struct consumed by value" design note — there is no mutable field on
// MapCodec for these, so nothing can leak into a nested map's call.
type MapWriteCall struct {
	KeySerializer   Serializer
	ValueSerializer Serializer
	KeyGeneric      *GenericType
	ValueGeneric    *GenericType
}

// MapReadCall is MapWriteCall's read-side counterpart. ContainerType names
// the concrete Go type ReadMap should allocate and populate: a native map
// type (built via reflect.MakeMapWithSize), or a registered custom
// container type (see RegisterContainerFactory).
type MapReadCall struct {
	KeySerializer   Serializer
	ValueSerializer Serializer
	KeyGeneric      *GenericType
	ValueGeneric    *GenericType
	ContainerType   reflect.Type
}

// MapContainer is the minimal interface a custom (non-native-map) container
// type must implement to receive decoded entries; see
// RegisterContainerFactory and SPEC_FULL.md §6 item 5.
type MapContainer interface {
	Set(key, value any)
}

// ContainerFactory builds an empty instance of a registered custom
// container type. Plain Go maps never need one: MapCodec builds them via
// reflect.MakeMapWithSize directly.
type ContainerFactory func() MapContainer

// MapCodec implements the chunk-framed map wire protocol: WriteMap/ReadMap
// are the two halves of spec §4.5/§4.6. One MapCodec is shared across
// however many map fields a single top-level serialization call touches, so
// that RefResolver identity tracking and the Generics stack stay consistent
// across nested maps (spec §5 "Reentrancy").
type MapCodec struct {
	Classes   *ClassResolver
	Refs      *RefResolver
	Generics  *Generics
	factories map[reflect.Type]ContainerFactory
}

// NewMapCodec constructs a MapCodec sharing the given per-call collaborators.
func NewMapCodec(classes *ClassResolver, refs *RefResolver, generics *Generics) *MapCodec {
	return &MapCodec{Classes: classes, Refs: refs, Generics: generics, factories: make(map[reflect.Type]ContainerFactory)}
}

// RegisterContainerFactory associates a custom map-like container type with
// a zero-argument constructor, so ReadMap can build one when it encounters
// that ContainerType. Native Go map types need no registration.
func (c *MapCodec) RegisterContainerFactory(t reflect.Type, factory ContainerFactory) {
	c.factories[t] = factory
}

// sideTracker holds one side's (key's or value's) per-call write/read
// state: whether its serializer is fixed ahead of time (a user-supplied
// one-shot serializer, or a monomorphic declared generic type — spec §4.5's
// "Interaction with generics" paragraph) or must be discovered dynamically
// from each entry's runtime type, plus the chunk-scoped homogeneity and
// class-tag-caching state SPEC_FULL.md §6 items 2/3 describe.
type sideTracker struct {
	fixed           bool
	fixedSerializer Serializer
	trackRef        bool
	generic         *GenericType

	// dynamic-only state, meaningless when fixed is true.
	class0           reflect.Type
	notSameType      bool
	classTagWritten  bool
	cachedSerializer Serializer
	holder           ClassInfoHolder
}

func (c *MapCodec) buildSideTracker(oneShot Serializer, generic *GenericType) *sideTracker {
	t := &sideTracker{generic: generic}
	switch {
	case oneShot != nil:
		// A user-supplied serializer replaces the monomorphic path for this
		// side entirely: no class tag is ever written, matching spec §4.5's
		// "those serializers replace the monomorphic path for that side."
		t.fixed = true
		t.fixedSerializer = oneShot
		t.trackRef = oneShot.NeedToWriteRef()
	case generic != nil && generic.IsMonomorphic:
		info, ok := c.Classes.GetClassInfo(generic.ConcreteType, nil)
		if !ok {
			panic(newProtocolMismatch("no serializer registered for monomorphic type %v", generic.ConcreteType))
		}
		t.fixed = true
		t.fixedSerializer = info.Serializer
		t.trackRef = c.Classes.NeedToWriteRef(generic.ConcreteType)
	case generic != nil:
		t.trackRef = c.Classes.NeedToWriteRef(generic.ConcreteType)
	default:
		t.trackRef = c.Refs.TrackingRef()
	}
	return t
}

// WriteMap writes entries as VarUint32(size) followed by zero or more
// chunks and an optional unchunked tail, per spec §4.5/§6.
func (c *MapCodec) WriteMap(buf *ByteBuffer, entries []MapEntry, call MapWriteCall) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = asError(r)
		}
	}()
	buf.WriteVarUint32Small7(uint32(len(entries)))
	if len(entries) == 0 {
		return nil
	}

	keyTracker := c.buildSideTracker(call.KeySerializer, call.KeyGeneric)
	valueTracker := c.buildSideTracker(call.ValueSerializer, call.ValueGeneric)

	var header byte
	var chunkSize byte
	var startOffset int
	hasPreservedByte := false
	prevKeyIsNull := false
	unchunked := false

	finalizeChunk := func() {
		if !hasPreservedByte {
			return
		}
		buf.WriteAt(startOffset, func(b *ByteBuffer) {
			b.WriteByte_(chunkSize)
			b.WriteByte_(header)
		})
	}

	resetChunk := func(key, value any) {
		header = 0
		chunkSize = 0
		hasPreservedByte = false
		prevKeyIsNull = key == nil
		keyTracker.classTagWritten = false
		keyTracker.cachedSerializer = nil
		valueTracker.classTagWritten = false
		valueTracker.cachedSerializer = nil
		if !keyTracker.fixed {
			keyTracker.class0 = typeOrNil(key)
		}
		if !valueTracker.fixed {
			valueTracker.class0 = typeOrNil(value)
		}
	}

	for _, e := range entries {
		key, value := e.Key, e.Value
		keyIsNil := key == nil
		valueIsNil := value == nil

		if !unchunked {
			needReset := false
			needMarkFinish := false

			if keyIsNil {
				prevKeyIsNull = true
			}
			if !keyTracker.fixed && !keyTracker.notSameType && !keyIsNil {
				kt := reflect.TypeOf(key)
				if keyTracker.class0 == nil {
					keyTracker.class0 = kt
				}
				keyTracker.notSameType = keyTracker.class0 != kt
				if keyTracker.notSameType {
					if valueTracker.notSameType {
						needMarkFinish = true
					} else {
						needReset = true
					}
				}
			}
			if !valueTracker.fixed && !valueTracker.notSameType && !valueIsNil {
				vt := reflect.TypeOf(value)
				if valueTracker.class0 == nil {
					valueTracker.class0 = vt
				}
				valueTracker.notSameType = valueTracker.class0 != vt
				if valueTracker.notSameType {
					if keyTracker.notSameType {
						needMarkFinish = true
					} else {
						needReset = true
					}
				}
			}

			switch {
			case needMarkFinish:
				finalizeChunk()
				buf.WriteByte_(0)
				unchunked = true
			case (keyIsNil && chunkSize > 0) ||
				(prevKeyIsNull && !keyIsNil) ||
				(valueIsNil && chunkSize > 0 && header&valueHasNullBit == 0) ||
				needReset ||
				chunkSize >= maxChunkSize:
				finalizeChunk()
				resetChunk(key, value)
			}
		}

		if unchunked {
			c.Generics.Push(keyTracker.generic)
			c.writeGenericEntry(buf, key, keyIsNil, keyTracker)
			c.Generics.Pop()
			c.Generics.Push(valueTracker.generic)
			c.writeGenericEntry(buf, value, valueIsNil, valueTracker)
			c.Generics.Pop()
			continue
		}

		if !hasPreservedByte {
			startOffset = buf.Reserve(2)
			hasPreservedByte = true
		}

		if keyTracker.trackRef {
			header |= trackingKeyRefBit
		}
		if keyIsNil {
			header |= keyHasNullBit
		}
		if valueTracker.trackRef {
			header |= trackingValueRefBit
		}
		if valueIsNil {
			header |= valueHasNullBit
		}
		if keyTracker.notSameType {
			header |= keyNotSameTypeBit
		}
		if valueTracker.notSameType {
			header |= valueNotSameTypeBit
		}

		c.Generics.Push(keyTracker.generic)
		c.writeChunkKey(buf, key, keyIsNil, keyTracker)
		c.Generics.Pop()
		c.Generics.Push(valueTracker.generic)
		c.writeChunkValue(buf, value, valueIsNil, valueTracker, header)
		c.Generics.Pop()

		chunkSize++
	}
	if !unchunked {
		finalizeChunk()
	}
	return nil
}

func typeOrNil(v any) reflect.Type {
	if v == nil {
		return nil
	}
	return reflect.TypeOf(v)
}

func (c *MapCodec) resolveClassInfo(v any, t *sideTracker) ClassInfo {
	info, ok := c.Classes.GetClassInfo(reflect.TypeOf(v), &t.holder)
	if !ok {
		panic(newProtocolMismatch("no serializer registered for type %T", v))
	}
	return info
}

// writeChunkKey implements KeyBlock (spec §6 table): the null case is
// common to every mode; fixed sides skip class-tag bookkeeping entirely
// since the declared type already tells the reader what serializer to use.
func (c *MapCodec) writeChunkKey(buf *ByteBuffer, key any, isNil bool, t *sideTracker) {
	if isNil {
		buf.WriteByte_(byte(NullFlag))
		return
	}
	if t.fixed {
		if !t.trackRef {
			t.fixedSerializer.Write(buf, key)
		} else if !c.Refs.WriteRefOrNull(buf, key, false) {
			t.fixedSerializer.Write(buf, key)
		}
		return
	}
	if !t.trackRef {
		if !t.notSameType {
			info := c.resolveClassInfo(key, t)
			if !t.classTagWritten {
				c.Classes.WriteClass(buf, info)
				t.classTagWritten = true
			}
			if t.cachedSerializer == nil {
				t.cachedSerializer = info.Serializer
			}
			t.cachedSerializer.Write(buf, key)
		} else {
			// KEY_NOT_SAME_TYPE, not tracking ref: a null key always isolates
			// its own chunk (spec §3 invariant), so no null check is needed
			// here — every entry reaching this branch is non-null.
			info := c.resolveClassInfo(key, t)
			c.Classes.WriteClass(buf, info)
			info.Serializer.Write(buf, key)
		}
		return
	}
	if !t.notSameType {
		info := c.resolveClassInfo(key, t)
		if !t.classTagWritten {
			c.Classes.WriteClass(buf, info)
			t.classTagWritten = true
		}
		if t.cachedSerializer == nil {
			t.cachedSerializer = info.Serializer
		}
		if !c.Refs.WriteRefOrNull(buf, key, false) {
			t.cachedSerializer.Write(buf, key)
		}
	} else {
		info := c.resolveClassInfo(key, t)
		if !c.Refs.WriteRefOrNull(buf, key, false) {
			c.Classes.WriteClass(buf, info)
			info.Serializer.Write(buf, key)
		}
	}
}

// writeChunkValue implements ValueBlock: symmetric to writeChunkKey, with
// the NOT_NULL_VALUE disambiguating prefix spec §4.5 step 6 describes for
// homogeneous (including fixed) non-tracking-ref values once the chunk has
// seen a null.
func (c *MapCodec) writeChunkValue(buf *ByteBuffer, value any, isNil bool, t *sideTracker, header byte) {
	if isNil {
		buf.WriteByte_(byte(NullFlag))
		return
	}
	if t.fixed {
		if !t.trackRef {
			if header&valueHasNullBit != 0 {
				buf.WriteByte_(byte(NotNullValueFlag))
			}
			t.fixedSerializer.Write(buf, value)
		} else if !c.Refs.WriteRefOrNull(buf, value, false) {
			t.fixedSerializer.Write(buf, value)
		}
		return
	}
	if !t.trackRef {
		if !t.notSameType {
			if header&valueHasNullBit != 0 {
				buf.WriteByte_(byte(NotNullValueFlag))
			}
			info := c.resolveClassInfo(value, t)
			if !t.classTagWritten {
				c.Classes.WriteClass(buf, info)
				t.classTagWritten = true
			}
			if t.cachedSerializer == nil {
				t.cachedSerializer = info.Serializer
			}
			t.cachedSerializer.Write(buf, value)
		} else {
			c.writeNullableValue(buf, value, false, t)
		}
		return
	}
	if !t.notSameType {
		info := c.resolveClassInfo(value, t)
		if !t.classTagWritten {
			c.Classes.WriteClass(buf, info)
			t.classTagWritten = true
		}
		if t.cachedSerializer == nil {
			t.cachedSerializer = info.Serializer
		}
		if !c.Refs.WriteRefOrNull(buf, value, false) {
			t.cachedSerializer.Write(buf, value)
		}
	} else {
		info := c.resolveClassInfo(value, t)
		if !c.Refs.WriteRefOrNull(buf, value, false) {
			c.Classes.WriteClass(buf, info)
			info.Serializer.Write(buf, value)
		}
	}
}

// writeNullableValue writes NullFlag/NotNullValueFlag followed by a class
// tag and payload when non-null. The retrieved upstream source delegates
// this case to a "writeNullable" helper whose own wire format wasn't part
// of the retrieved slice; this module defines it as an explicit flag byte
// (rather than leaving null ambiguous against a class-tag length prefix)
// and uses it both for heterogeneous chunked values and the unchunked tail.
func (c *MapCodec) writeNullableValue(buf *ByteBuffer, v any, isNil bool, t *sideTracker) {
	if isNil {
		buf.WriteByte_(byte(NullFlag))
		return
	}
	buf.WriteByte_(byte(NotNullValueFlag))
	info := c.resolveClassInfo(v, t)
	c.Classes.WriteClass(buf, info)
	info.Serializer.Write(buf, v)
}

// writeGenericEntry implements GenericEntry: the fully self-describing,
// independently ref-aware encoding used once a map has escalated to the
// unchunked tail (spec §4.5 step 2, §6).
func (c *MapCodec) writeGenericEntry(buf *ByteBuffer, v any, isNil bool, t *sideTracker) {
	if !t.trackRef {
		c.writeNullableValue(buf, v, isNil, t)
		return
	}
	if !c.Refs.WriteRefOrNull(buf, v, isNil) {
		info := c.resolveClassInfo(v, t)
		c.Classes.WriteClass(buf, info)
		info.Serializer.Write(buf, v)
	}
}

// ReadMap reads a map written by WriteMap, allocating and populating
// call.ContainerType via reflect.MakeMapWithSize for native map types, or a
// registered ContainerFactory for custom container types (MissingConstructor
// if none is registered).
func (c *MapCodec) ReadMap(buf *ByteBuffer, call MapReadCall) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = asError(r)
		}
	}()

	size := int(buf.ReadVarUint32Small7())
	container, insert, cerr := c.newContainer(call.ContainerType, size)
	if cerr != nil {
		return nil, cerr
	}
	if size == 0 {
		return container, nil
	}

	keyTracker := c.buildSideTracker(call.KeySerializer, call.KeyGeneric)
	valueTracker := c.buildSideTracker(call.ValueSerializer, call.ValueGeneric)

	unchunked := false
	for size > 0 {
		if !unchunked {
			rawChunkSize := buf.ReadByte_()
			if rawChunkSize > maxChunkSize {
				panic(newProtocolMismatch("chunk size byte %d exceeds maximum %d", rawChunkSize, maxChunkSize))
			}
			if rawChunkSize == 0 {
				unchunked = true
				continue
			}
			header := buf.ReadByte_()
			keyTracker.classTagWritten = false
			keyTracker.cachedSerializer = nil
			valueTracker.classTagWritten = false
			valueTracker.cachedSerializer = nil
			for i := byte(0); i < rawChunkSize && size > 0; i++ {
				c.Generics.Push(keyTracker.generic)
				key := c.readChunkKey(buf, header, keyTracker)
				c.Generics.Pop()
				c.Generics.Push(valueTracker.generic)
				value := c.readChunkValue(buf, header, valueTracker)
				c.Generics.Pop()
				insert(key, value)
				size--
			}
			continue
		}
		c.Generics.Push(keyTracker.generic)
		key := c.readGenericEntry(buf, keyTracker)
		c.Generics.Pop()
		c.Generics.Push(valueTracker.generic)
		value := c.readGenericEntry(buf, valueTracker)
		c.Generics.Pop()
		insert(key, value)
		size--
	}
	return container, nil
}

func (c *MapCodec) readChunkKey(buf *ByteBuffer, header byte, t *sideTracker) any {
	if header&keyHasNullBit != 0 {
		flag := buf.ReadByte_()
		if flag != byte(NullFlag) {
			panic(newProtocolMismatch("expected NULL flag for isolated-null-key chunk, got %d", flag))
		}
		return nil
	}
	if t.fixed {
		if !t.trackRef {
			return t.fixedSerializer.Read(buf)
		}
		return c.readTrackedFixed(buf, t)
	}
	if header&keyNotSameTypeBit == 0 {
		if t.cachedSerializer == nil {
			info, rerr := c.Classes.ReadClassInfo(buf, &t.holder)
			if rerr != nil {
				panic(rerr)
			}
			t.cachedSerializer = info.Serializer
		}
		if !t.trackRef {
			return t.cachedSerializer.Read(buf)
		}
		return c.readTrackedCached(buf, t)
	}
	// heterogeneous key: guaranteed non-null by the chunk-isolation invariant.
	if !t.trackRef {
		info, rerr := c.Classes.ReadClassInfo(buf, &t.holder)
		if rerr != nil {
			panic(rerr)
		}
		return info.Serializer.Read(buf)
	}
	res := c.Refs.TryPreserveRefId(buf)
	if res.Resolved {
		return res.Object
	}
	info, rerr := c.Classes.ReadClassInfo(buf, &t.holder)
	if rerr != nil {
		panic(rerr)
	}
	v := info.Serializer.Read(buf)
	c.Refs.SetReadObject(res.RefID, v)
	return v
}

func (c *MapCodec) readChunkValue(buf *ByteBuffer, header byte, t *sideTracker) any {
	if t.fixed {
		if !t.trackRef {
			if header&valueHasNullBit != 0 {
				flag := buf.ReadByte_()
				if flag == byte(NullFlag) {
					return nil
				}
			}
			return t.fixedSerializer.Read(buf)
		}
		return c.readTrackedFixed(buf, t)
	}
	if header&valueNotSameTypeBit == 0 {
		if header&valueHasNullBit != 0 && (!t.trackRef || t.cachedSerializer == nil) {
			flag := buf.ReadByte_()
			if flag == byte(NullFlag) {
				return nil
			}
			if t.trackRef {
				buf.readerIndex-- // class tag follows; its length byte is never zero
			}
		}
		if t.cachedSerializer == nil {
			info, rerr := c.Classes.ReadClassInfo(buf, &t.holder)
			if rerr != nil {
				panic(rerr)
			}
			t.cachedSerializer = info.Serializer
		}
		if !t.trackRef {
			return t.cachedSerializer.Read(buf)
		}
		return c.readTrackedCached(buf, t)
	}
	if !t.trackRef {
		return c.readNullableValue(buf, t)
	}
	res := c.Refs.TryPreserveRefId(buf)
	if res.IsNull {
		return nil
	}
	if res.Resolved {
		return res.Object
	}
	info, rerr := c.Classes.ReadClassInfo(buf, &t.holder)
	if rerr != nil {
		panic(rerr)
	}
	v := info.Serializer.Read(buf)
	c.Refs.SetReadObject(res.RefID, v)
	return v
}

func (c *MapCodec) readTrackedFixed(buf *ByteBuffer, t *sideTracker) any {
	res := c.Refs.TryPreserveRefId(buf)
	if res.IsNull {
		return nil
	}
	if res.Resolved {
		return res.Object
	}
	v := t.fixedSerializer.Read(buf)
	c.Refs.SetReadObject(res.RefID, v)
	return v
}

func (c *MapCodec) readTrackedCached(buf *ByteBuffer, t *sideTracker) any {
	res := c.Refs.TryPreserveRefId(buf)
	if res.IsNull {
		return nil
	}
	if res.Resolved {
		return res.Object
	}
	v := t.cachedSerializer.Read(buf)
	c.Refs.SetReadObject(res.RefID, v)
	return v
}

func (c *MapCodec) readNullableValue(buf *ByteBuffer, t *sideTracker) any {
	flag := buf.ReadByte_()
	if flag == byte(NullFlag) {
		return nil
	}
	info, rerr := c.Classes.ReadClassInfo(buf, &t.holder)
	if rerr != nil {
		panic(rerr)
	}
	return info.Serializer.Read(buf)
}

func (c *MapCodec) readGenericEntry(buf *ByteBuffer, t *sideTracker) any {
	if !t.trackRef {
		return c.readNullableValue(buf, t)
	}
	res := c.Refs.TryPreserveRefId(buf)
	if res.IsNull {
		return nil
	}
	if res.Resolved {
		return res.Object
	}
	info, rerr := c.Classes.ReadClassInfo(buf, &t.holder)
	if rerr != nil {
		panic(rerr)
	}
	v := info.Serializer.Read(buf)
	c.Refs.SetReadObject(res.RefID, v)
	return v
}

// newContainer allocates the map-like value ReadMap populates. Native map
// types are built with reflect.MakeMapWithSize; anything else must have a
// registered ContainerFactory or reading fails with MissingConstructor
// (SPEC_FULL.md §6 item 5).
func (c *MapCodec) newContainer(containerType reflect.Type, sizeHint int) (any, func(key, value any), error) {
	if containerType != nil && containerType.Kind() == reflect.Map {
		mv := reflect.MakeMapWithSize(containerType, sizeHint)
		keyType := containerType.Key()
		valueType := containerType.Elem()
		insert := func(key, value any) {
			mv.SetMapIndex(reflectValueFor(key, keyType), reflectValueFor(value, valueType))
		}
		return mv.Interface(), insert, nil
	}
	factory, ok := c.factories[containerType]
	if !ok {
		name := "<nil>"
		if containerType != nil {
			name = containerType.String()
		}
		return nil, nil, newMissingConstructor(name)
	}
	container := factory()
	return container, container.Set, nil
}

func reflectValueFor(v any, t reflect.Type) reflect.Value {
	if v == nil {
		return reflect.Zero(t)
	}
	return reflect.ValueOf(v)
}

func asError(r any) error {
	if e, ok := r.(error); ok {
		return e
	}
	return fmt.Errorf("fury: %v", r)
}
