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

// Reference flag byte values written ahead of a possibly-shared value.
const (
	// NullFlag marks a null/nil value; nothing follows.
	NullFlag int8 = 0
	// RefFlag marks a reference to a previously written value; a varint
	// reference id follows.
	RefFlag int8 = 1
	// NotNullValueFlag marks a new, non-null value; its payload follows.
	NotNullValueFlag int8 = 2
)

// RefResolver assigns and resolves reference ids for a single
// serialization call. The write side keys on object identity; the read
// side keys on a dense, call-scoped integer id. Neither side survives past
// one Write/Read call.
type RefResolver struct {
	trackingRef bool

	// write side: identity -> assigned ref id.
	writtenIDs map[any]int32
	nextWriteID int32

	// read side: ref id -> resolved object, indexed densely from 0.
	readObjects []any
}

// NewRefResolver constructs a resolver. trackingRef is the global
// reference-tracking policy; RefResolver itself performs no per-type
// opt-out (that combination is ClassResolver.NeedToWriteRef's job).
func NewRefResolver(trackingRef bool) *RefResolver {
	return &RefResolver{
		trackingRef: trackingRef,
		writtenIDs:  make(map[any]int32),
	}
}

// Reset clears all per-call state for reuse across serialization calls.
func (r *RefResolver) Reset() {
	for k := range r.writtenIDs {
		delete(r.writtenIDs, k)
	}
	r.nextWriteID = 0
	r.readObjects = r.readObjects[:0]
}

// WriteNullFlag writes NullFlag and returns true if obj is nil; otherwise it
// writes nothing and returns false.
func (r *RefResolver) WriteNullFlag(buf *ByteBuffer, isNil bool) bool {
	if isNil {
		buf.WriteByte_(byte(NullFlag))
		return true
	}
	return false
}

// WriteRefOrNull implements the spec's three-way dispatch for a tracked,
// potentially-null value: nil -> NullFlag (true); already-seen identity ->
// RefFlag + varint id (true); new identity -> records the id, writes
// NotNullValueFlag, returns false so the caller now writes the payload.
// identity must be a value usable as a Go map key (typically a pointer or
// interface wrapping one); pass isNil=true for nil values regardless of
// identity's zero-ness. Callers on a side with reference tracking disabled
// should use WriteNullFlag instead, per spec §4.5 step 5/6.
func (r *RefResolver) WriteRefOrNull(buf *ByteBuffer, identity any, isNil bool) bool {
	if isNil {
		buf.WriteByte_(byte(NullFlag))
		return true
	}
	if id, seen := r.writtenIDs[identity]; seen {
		buf.WriteByte_(byte(RefFlag))
		buf.WriteVarUint32Small7(uint32(id))
		return true
	}
	id := r.nextWriteID
	r.nextWriteID++
	r.writtenIDs[identity] = id
	buf.WriteByte_(byte(NotNullValueFlag))
	return false
}

// PreserveResult is the outcome of TryPreserveRefId: exactly one of IsNull,
// (Resolved true with Object set), or (RefID >= 0 needing a later
// SetReadObject) applies.
type PreserveResult struct {
	IsNull   bool
	Resolved bool
	Object   any
	RefID    int32
}

// TryPreserveRefId reads the next flag. NullFlag -> IsNull. RefFlag ->
// consumes the id, resolves it via a prior SetReadObject, and returns
// Resolved with Object populated. NotNullValueFlag -> allocates and returns
// a fresh RefID the caller must bind via SetReadObject once the payload is
// decoded.
func (r *RefResolver) TryPreserveRefId(buf *ByteBuffer) PreserveResult {
	flag := int8(buf.ReadByte_())
	switch flag {
	case NullFlag:
		return PreserveResult{IsNull: true}
	case RefFlag:
		id := int32(buf.ReadVarUint32Small7())
		if int(id) >= len(r.readObjects) {
			panic(newProtocolMismatch("ref id %d out of range (have %d)", id, len(r.readObjects)))
		}
		return PreserveResult{Resolved: true, Object: r.readObjects[id]}
	case NotNullValueFlag:
		id := int32(len(r.readObjects))
		r.readObjects = append(r.readObjects, nil)
		return PreserveResult{RefID: id}
	default:
		panic(newProtocolMismatch("unexpected reference flag %d", flag))
	}
}

// SetReadObject binds a freshly decoded object to the ref id previously
// returned by TryPreserveRefId so that a later RefFlag occurrence can
// resolve to the same instance.
func (r *RefResolver) SetReadObject(id int32, obj any) {
	r.readObjects[id] = obj
}

// GetReadObject returns the instance previously bound to id.
func (r *RefResolver) GetReadObject(id int32) any {
	return r.readObjects[id]
}

// TrackingRef reports the global reference-tracking policy this resolver
// was constructed with.
func (r *RefResolver) TrackingRef() bool { return r.trackingRef }
