// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the descriptor store of one device domain: an index
// ordered B-tree with an occupancy bitmap to find the lowest free index.
package msi

import (
	"github.com/google/btree"
	"gvisor.dev/gvisor/pkg/bitmap"
)

const storeDegree = 8

type store struct {
	tree *btree.BTreeG[*Desc]
	used bitmap.Bitmap
}

func descLess(a, b *Desc) bool {
	return a.Index < b.Index
}

func newStore() *store {
	return &store{
		tree: btree.NewG(storeDegree, descLess),
		used: bitmap.New(MaxHwsize),
	}
}

func (s *store) len() int {
	return s.tree.Len()
}

func (s *store) load(index uint32) *Desc {
	desc, ok := s.tree.Get(&Desc{Index: index})
	if !ok {
		return nil
	}
	return desc
}

func (s *store) min() *Desc {
	desc, ok := s.tree.Min()
	if !ok {
		return nil
	}
	return desc
}

func (s *store) insertAt(desc *Desc, index, hwsize uint32) error {
	if index >= hwsize {
		return ErrOutOfRange
	}
	if s.tree.Has(&Desc{Index: index}) {
		return ErrIndexTaken
	}
	desc.Index = index
	s.tree.ReplaceOrInsert(desc)
	s.used.Add(index)
	return nil
}

func (s *store) insertAny(desc *Desc, hwsize uint32) (uint32, error) {
	index, err := s.used.FirstZero(0)
	if err != nil || index >= hwsize {
		return 0, ErrNoSpace
	}
	desc.Index = index
	s.tree.ReplaceOrInsert(desc)
	s.used.Add(index)
	return index, nil
}

func (s *store) erase(index uint32) *Desc {
	desc, ok := s.tree.Delete(&Desc{Index: index})
	if !ok {
		return nil
	}
	s.used.Remove(index)
	return desc
}

// ascend calls fn for the descriptors in [first, last] matching filter, in
// index order, until fn returns false.
func (s *store) ascend(first, last uint32, filter Filter, fn func(*Desc) bool) {
	s.tree.AscendGreaterOrEqual(&Desc{Index: first}, func(desc *Desc) bool {
		if desc.Index > last {
			return false
		}
		if !desc.matches(filter) {
			return true
		}
		return fn(desc)
	})
}

func (s *store) collect(first, last uint32, filter Filter) []*Desc {
	var descs []*Desc
	s.ascend(first, last, filter, func(desc *Desc) bool {
		descs = append(descs, desc)
		return true
	})
	return descs
}

// EraseReport lists what a range erase did. Leaked descriptors were unlinked
// from the store while still bound to an interrupt.
type EraseReport struct {
	Erased []uint32
	Leaked []*Desc
}

func (s *store) eraseRange(first, last uint32) EraseReport {
	var rep EraseReport
	for _, desc := range s.collect(first, last, FilterAll) {
		s.erase(desc.Index)
		if desc.Associated() {
			rep.Leaked = append(rep.Leaked, desc)
			continue
		}
		rep.Erased = append(rep.Erased, desc.Index)
	}
	return rep
}
