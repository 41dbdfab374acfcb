// Package set has small unordered collections.
package set

import (
	"math/rand"
)

type (
	rndset[T comparable] struct {
		items []T
		rnd   *rand.Rand
	}

	Set[T comparable] interface {
		Add(T) bool
		Remove(T) bool
		Len() int
		Items() []T
	}

	// RandomSet picks a uniformly random member. It is not safe for
	// concurrent use.
	RandomSet[T comparable] interface {
		Set[T]
		Pick() (T, bool)
		// PickOther avoids not when another member exists.
		PickOther(not T) (T, bool)
	}
)

func Random[T comparable](seed int64, items ...T) RandomSet[T] {
	s := &rndset[T]{
		rnd: rand.New(rand.NewSource(seed)),
	}
	for _, v := range items {
		s.Add(v)
	}
	return s
}

func (r *rndset[T]) Len() int { return len(r.items) }

func (r *rndset[T]) Items() []T { return append([]T(nil), r.items...) }

func (r *rndset[T]) Add(item T) bool {
	if r.index(item) >= 0 {
		return false
	}
	r.items = append(r.items, item)
	return true
}

func (r *rndset[T]) Pick() (T, bool) {
	var zero T
	if len(r.items) == 0 {
		return zero, false
	}
	return r.items[r.rnd.Intn(len(r.items))], true
}

func (r *rndset[T]) PickOther(not T) (T, bool) {
	idx := r.index(not)
	if idx < 0 || len(r.items) == 1 {
		return r.Pick()
	}
	n := r.rnd.Intn(len(r.items) - 1)
	if n >= idx {
		n++
	}
	return r.items[n], true
}

func (r *rndset[T]) Remove(item T) bool {
	i := r.index(item)
	if i < 0 {
		return false
	}
	var zero T
	last := len(r.items) - 1
	r.items[i] = r.items[last]
	r.items[last] = zero
	r.items = r.items[:last]
	return true
}

func (r *rndset[T]) index(item T) int {
	for i, v := range r.items {
		if v == item {
			return i
		}
	}
	return -1
}
