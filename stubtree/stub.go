// Package stubtree defines stub trees and their binary codec.
//
// A stub tree is a compact structural summary of one source file. Every node
// has a Kind, contributed at runtime through the serializer registry, that
// knows how to write and read the node's own payload. The codec handles the
// framing: serializer ids, child counts and the blob-local name dictionary.
//
// Blob layout:
//
//	TreeBytes  := Dictionary RootCount Root+
//	Dictionary := varint(stringCount) UTF8String*
//	Root       := varint(serializerId) KindPayload varint(childCount) Root*
//
// Serializer id 0 marks a nil root.
package stubtree

import (
	"github.com/drpcorg/stubindex/enumerator"
	"github.com/drpcorg/stubindex/stubio"
)

type Stub interface {
	Kind() Kind
	Children() []Stub
	AppendChild(child Stub)
}

// Kind is a stub type. Write and Read handle the payload only; they must not
// touch the serializer id or the child list.
type Kind interface {
	ExternalID() string
	Write(stub Stub, out *Output) error
	Read(in *Input, parent Stub) (Stub, error)
}

// PayloadEqualer lets Equal compare kind-specific payload.
type PayloadEqualer interface {
	PayloadEqual(other Stub) bool
}

// Base keeps the child list; embed it into concrete stubs.
type Base struct {
	children []Stub
}

func (b *Base) Children() []Stub {
	return b.children
}

func (b *Base) AppendChild(child Stub) {
	b.children = append(b.children, child)
}

// Output is what a Kind writes its payload to. Names are interned in the
// blob dictionary and cost one varint after their first occurrence.
type Output struct {
	w     *stubio.Writer
	names *enumerator.Enumerator[string]
}

func (o *Output) WriteVarint(v int64) {
	o.w.WriteVarint(v)
}

func (o *Output) WriteInt(v int) {
	o.w.WriteInt(v)
}

func (o *Output) WriteBool(b bool) {
	o.w.WriteBool(b)
}

func (o *Output) WriteName(name string) {
	o.w.WriteInt(o.names.Enumerate(name))
}

type Input struct {
	r     *stubio.Reader
	names *enumerator.Enumerator[string]
}

func (in *Input) ReadVarint() (int64, error) {
	return in.r.ReadVarint()
}

func (in *Input) ReadInt() (int, error) {
	return in.r.ReadInt()
}

func (in *Input) ReadBool() (bool, error) {
	return in.r.ReadBool()
}

func (in *Input) ReadName() (string, error) {
	id, err := in.r.ReadInt()
	if err != nil {
		return "", err
	}
	name, ok := in.names.ValueOf(id)
	if !ok {
		return "", errBadName(id)
	}
	return name, nil
}
