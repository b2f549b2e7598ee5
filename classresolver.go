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
	"sync"

	"github.com/spaolacci/murmur3"

	"github.com/fury-project/fury/meta"
)

// ClassInfo is everything MapCodec needs about a concrete runtime type: its
// wire identity (ClassTag), the Serializer that reads/writes its payload,
// and whether instances of it participate in reference tracking.
type ClassInfo struct {
	ClassID          TypeId
	ClassTag         []byte
	Serializer       Serializer
	WritesReferences bool
}

type registration struct {
	name       string
	serializer Serializer
	refTrack   bool
	classID    TypeId
	tag        []byte
}

// ClassResolver maps concrete Go types to ClassInfo, and writes/reads the
// opaque ClassTag byte sequences that identify a type on the wire. Class
// registration and numeric id assignment policy are treated as an external
// concern per spec §1; this resolver exposes only the narrow lookup/write/
// read contract MapCodec needs (spec §4.3).
//
// Tags for RegisterNamed registrations are produced the way the
// teacher's type_def.go produces its struct metadata hash: murmur3 over the
// registered name, here truncated to 32 bits and varint-encoded, giving a
// compact, stable fingerprint instead of writing the name's raw bytes on
// every occurrence.
type ClassResolver struct {
	mu            sync.RWMutex
	byType        map[reflect.Type]*registration
	byTag         map[string]*registration
	globalRefTrack bool
}

// NewClassResolver constructs a resolver. globalRefTrack is the
// configuration-wide reference-tracking default; individual registrations
// may override it via the refTrack argument of RegisterNamed and
// RegisterNamedSelfDescribing.
func NewClassResolver(globalRefTrack bool) *ClassResolver {
	return &ClassResolver{
		byType:         make(map[reflect.Type]*registration),
		byTag:          make(map[string]*registration),
		globalRefTrack: globalRefTrack,
	}
}

// Register associates a concrete Go type with a fixed numeric ClassID and
// Serializer (the common case: primitives and other builtin-ish types with
// a stable cross-language numeric id).
func (r *ClassResolver) Register(t reflect.Type, classID TypeId, serializer Serializer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg := &registration{serializer: serializer, refTrack: r.globalRefTrack, classID: classID}
	buf := NewByteBuffer(nil)
	buf.WriteInt16(classID)
	reg.tag = buf.Bytes()
	r.byType[t] = reg
	r.byTag[string(reg.tag)] = reg
}

// RegisterNamed associates a concrete Go type with a name-carrying
// ClassTag (spec's NAMED_STRUCT family): the name is hashed with murmur3
// into a stable 32-bit fingerprint, varint-encoded as the tag, avoiding
// repeating the name's bytes on every occurrence. refTrack overrides the
// resolver's global policy for this type (ClassResolver.NeedToWriteRef).
func (r *ClassResolver) RegisterNamed(t reflect.Type, name string, serializer Serializer, refTrack bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hash := murmur3.Sum64WithSeed([]byte(name), 47)
	buf := NewByteBuffer(nil)
	buf.WriteByte_(byte(NAMED_STRUCT))
	buf.WriteVarUint36(hash & 0xFFFFFFFF)
	reg := &registration{name: name, serializer: serializer, refTrack: refTrack, classID: NAMED_STRUCT, tag: buf.Bytes()}
	r.byType[t] = reg
	r.byTag[string(reg.tag)] = reg
}

// ClassInfoHolder is the single-slot memoization cache spec §4.3 describes:
// a mutable-by-reference holder threaded through a loop (e.g. MapCodec's
// per-chunk scan) to short-circuit repeated lookups of the same runtime
// type. Pass the zero value; GetClassInfo fills and reuses it.
type ClassInfoHolder struct {
	lastType reflect.Type
	lastInfo ClassInfo
}

// GetClassInfo resolves t's ClassInfo, consulting and updating holder first
// so a tight loop over same-typed values pays one map lookup instead of one
// per element.
func (r *ClassResolver) GetClassInfo(t reflect.Type, holder *ClassInfoHolder) (ClassInfo, bool) {
	if holder != nil && holder.lastType == t && t != nil {
		return holder.lastInfo, true
	}
	r.mu.RLock()
	reg, ok := r.byType[t]
	r.mu.RUnlock()
	if !ok {
		return ClassInfo{}, false
	}
	info := ClassInfo{ClassID: reg.classID, ClassTag: reg.tag, Serializer: reg.serializer, WritesReferences: reg.refTrack}
	if holder != nil {
		holder.lastType = t
		holder.lastInfo = info
	}
	return info, true
}

// WriteClass writes classInfo's opaque ClassTag to buf.
func (r *ClassResolver) WriteClass(buf *ByteBuffer, classInfo ClassInfo) {
	buf.WriteVarUint32Small7(uint32(len(classInfo.ClassTag)))
	buf.WriteBinary(classInfo.ClassTag)
}

// ReadClassInfo reads a ClassTag from buf and resolves it back to a
// ClassInfo, consulting holder first (a tag equal to its cached ClassTag is
// served from it) and storing the resolved ClassInfo in it.
func (r *ClassResolver) ReadClassInfo(buf *ByteBuffer, holder *ClassInfoHolder) (ClassInfo, error) {
	n := buf.ReadVarUint32Small7()
	tag := buf.ReadBinary(int(n))
	if holder != nil && holder.lastInfo.ClassTag != nil && string(holder.lastInfo.ClassTag) == string(tag) {
		return holder.lastInfo, nil
	}
	r.mu.RLock()
	reg, ok := r.byTag[string(tag)]
	r.mu.RUnlock()
	if !ok {
		return ClassInfo{}, newProtocolMismatch("unknown class tag %x", tag)
	}
	info := ClassInfo{ClassID: reg.classID, ClassTag: reg.tag, Serializer: reg.serializer, WritesReferences: reg.refTrack}
	if holder != nil {
		holder.lastInfo = info
	}
	return info, nil
}

// NeedToWriteRef returns the global reference-tracking policy combined with
// t's per-type opt-out, if t is registered; unregistered types fall back to
// the global policy.
func (r *ClassResolver) NeedToWriteRef(t reflect.Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.byType[t]; ok {
		return reg.refTrack
	}
	return r.globalRefTrack
}

// RegisterNamedSelfDescribing is RegisterNamed's self-describing-tag
// counterpart: instead of a murmur3 fingerprint it writes the registered
// name itself, MetaString-encoded (in whichever encoding meta.Encoder's
// ComputeEncoding selects), so an interop/debug reader can recover the original name from
// the tag bytes alone rather than needing a hash table. Costs more wire
// bytes than RegisterNamed for the same name; prefer RegisterNamed unless
// that recoverability is worth it.
func (r *ClassResolver) RegisterNamedSelfDescribing(t reflect.Type, name string, serializer Serializer, refTrack bool) error {
	enc := meta.NewEncoder('.', '_')
	ms, err := encodeTagName(enc, name)
	if err != nil {
		return err
	}
	buf := NewByteBuffer(nil)
	buf.WriteByte_(byte(NAMED_STRUCT))
	buf.WriteByte_(byte(ms.Encoding()))
	buf.WriteVarUint32Small7(uint32(ms.NumBits()))
	buf.WriteVarUint32Small7(uint32(len(ms.OutputBytes())))
	buf.WriteBinary(ms.OutputBytes())

	r.mu.Lock()
	defer r.mu.Unlock()
	reg := &registration{name: name, serializer: serializer, refTrack: refTrack, classID: NAMED_STRUCT, tag: buf.Bytes()}
	r.byType[t] = reg
	r.byTag[string(reg.tag)] = reg
	return nil
}

// encodeTagName wires the MetaString codec into class tag production for
// RegisterNamedSelfDescribing, giving ClassResolver a second MetaString
// caller beyond stringSerializer's wire-format use (SPEC_FULL.md §6 item 4).
func encodeTagName(enc *meta.Encoder, name string) (meta.MetaString, error) {
	return enc.Encode(name)
}
