package fwdindex

import (
	"fmt"
	"math"
	"slices"

	"github.com/drpcorg/stubindex/stub_errors"
	"github.com/drpcorg/stubindex/stubio"
)

// EmptyListMarker encodes an empty StubIDList. Stub positions are always
// below it.
const EmptyListMarker = math.MaxInt32

// StubIDList holds ascending positions into the flattened stub tree.
// Most lists have exactly one element.
type StubIDList []int32

// NewStubIDList sorts and dedups ids.
func NewStubIDList(ids ...int32) StubIDList {
	list := StubIDList(slices.Clone(ids))
	slices.Sort(list)
	list = slices.Compact(list)
	if list == nil {
		list = StubIDList{}
	}
	return list
}

// Add inserts id keeping the list ascending.
func (l StubIDList) Add(id int32) StubIDList {
	i, found := slices.BinarySearch(l, id)
	if found {
		return l
	}
	return slices.Insert(l, i, id)
}

// WriteStubIDs writes
//
//	[]      -> varint(MaxInt32)
//	[v]     -> varint(v)
//	[v1..n] -> varint(-n) varint(v1) ... varint(vn)
//
// Ids must be in [0, MaxInt32) and ascending; nothing is written otherwise.
func WriteStubIDs(w *stubio.Writer, ids StubIDList) error {
	for i, id := range ids {
		if id < 0 || id >= EmptyListMarker {
			return fmt.Errorf("stub id %d out of range", id)
		}
		if i > 0 && id < ids[i-1] {
			return fmt.Errorf("stub ids not ascending at %d", i)
		}
	}
	switch len(ids) {
	case 0:
		w.WriteVarint(EmptyListMarker)
	case 1:
		w.WriteVarint(int64(ids[0]))
	default:
		w.WriteVarint(-int64(len(ids)))
		for _, id := range ids {
			w.WriteVarint(int64(id))
		}
	}
	return nil
}

func ReadStubIDs(r *stubio.Reader) (StubIDList, error) {
	v, err := r.ReadVarint()
	if err != nil {
		return nil, err
	}
	switch {
	case v == EmptyListMarker:
		return StubIDList{}, nil
	case v >= 0 && v < EmptyListMarker:
		return StubIDList{int32(v)}, nil
	case v > EmptyListMarker:
		return nil, fmt.Errorf("%w: stub id %d out of range", stub_errors.ErrMalformed, v)
	}
	n := -v
	if n < 2 || n > int64(r.Len()) {
		return nil, fmt.Errorf("%w: bad stub id list length %d", stub_errors.ErrMalformed, n)
	}
	ids := make(StubIDList, n)
	for i := range ids {
		id, err := r.ReadVarint()
		if err != nil {
			return nil, err
		}
		if id < 0 || id >= EmptyListMarker || (i > 0 && int32(id) < ids[i-1]) {
			return nil, fmt.Errorf("%w: bad stub id %d at %d", stub_errors.ErrMalformed, id, i)
		}
		ids[i] = int32(id)
	}
	return ids, nil
}
