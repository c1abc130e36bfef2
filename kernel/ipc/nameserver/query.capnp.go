package nameserver

// Accessors for nameserver.capnp, kept in the layout capnpc-go emits.

import (
	capnp "zombiezen.com/go/capnproto2"
)

type Query struct{ capnp.Struct }

// Query_TypeID is the unique identifier for the type Query.
const Query_TypeID = 0xd18e3c6b0a2f4e55

var querySize = capnp.ObjectSize{DataSize: 8, PointerCount: 3}

func NewQuery(s *capnp.Segment) (Query, error) {
	st, err := capnp.NewStruct(s, querySize)
	return Query{st}, err
}

func NewRootQuery(s *capnp.Segment) (Query, error) {
	st, err := capnp.NewRootStruct(s, querySize)
	return Query{st}, err
}

func ReadRootQuery(msg *capnp.Message) (Query, error) {
	root, err := msg.RootPtr()
	return Query{root.Struct()}, err
}

func (s Query) Seq() uint32 {
	return s.Struct.Uint32(0)
}

func (s Query) SetSeq(v uint32) {
	s.Struct.SetUint32(0, v)
}

func (s Query) Status() uint32 {
	return s.Struct.Uint32(4)
}

func (s Query) SetStatus(v uint32) {
	s.Struct.SetUint32(4, v)
}

func (s Query) TableName() (string, error) {
	p, err := s.Struct.Ptr(0)
	return p.Text(), err
}

func (s Query) SetTableName(v string) error {
	return s.Struct.SetText(0, v)
}

func (s Query) Name() (string, error) {
	p, err := s.Struct.Ptr(1)
	return p.Text(), err
}

func (s Query) SetName(v string) error {
	return s.Struct.SetText(1, v)
}

func (s Query) Value() ([]byte, error) {
	p, err := s.Struct.Ptr(2)
	return []byte(p.Data()), err
}

func (s Query) SetValue(v []byte) error {
	return s.Struct.SetData(2, v)
}
