package index

import (
	"math/rand"
	"sort"
	"testing"

	. "github.com/fulldump/biff"
	"github.com/spf13/afero"
)

func newIndex() *Index[uint64] {
	x, err := NewIndex[uint64](afero.NewMemMapFs(), Filename("thing", 0))
	if err != nil {
		panic(err)
	}
	return x
}

func TestIndex_ChurnScenario(t *testing.T) {

	x := newIndex()
	defer x.Close()

	inserted := 0
	insert := func(target, value uint64) {
		x.Insert(target, value)
		inserted++
		if inserted%50 == 0 {
			x.Rebalance()
		}
	}

	for i := uint64(0); i < 5000; i++ {
		insert(i, i*3)
		insert(i, i*3)
		insert(i, i*3+1)
	}

	notRemoved := 0
	for i := uint64(0); i < 5000; i++ {
		if !x.RemoveAny(i*3 + 1) {
			notRemoved++
		}
	}
	AssertEqual(notRemoved, 0)
	AssertEqual(x.Count(), 10000)

	mismatches := []uint64{}
	for v := uint64(0); v < 15030; v++ {
		_, found := x.FindAny(v)
		expected := v < 15000 && v%3 == 0
		if found != expected {
			mismatches = append(mismatches, v)
		}
	}
	AssertEqual(mismatches, []uint64{})
}

func TestIndex_FindAnyReturnsTarget(t *testing.T) {

	x := newIndex()
	defer x.Close()

	x.Insert(100, 5)
	x.Insert(200, 7)

	target, found := x.FindAny(7)
	AssertTrue(found)
	AssertEqual(target, uint64(200))

	target, found = x.FindAny(6)
	AssertFalse(found)
	AssertEqual(target, None)
}

func TestIndex_RemoveByTarget(t *testing.T) {

	x := newIndex()
	defer x.Close()

	for target := uint64(1); target <= 5; target++ {
		x.Insert(target, 42)
	}
	x.Insert(9, 41)
	x.Insert(9, 43)

	AssertTrue(x.Remove(42, 3))
	AssertFalse(x.Remove(42, 3))
	AssertFalse(x.Remove(43, 3))

	targets := []uint64{}
	x.ForEach(42, 42, func(value uint64, id uint64) bool {
		targets = append(targets, id)
		return true
	})
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
	AssertEqual(targets, []uint64{1, 2, 4, 5})
	AssertEqual(x.Count(), 6)
}

func TestIndex_CountConservation(t *testing.T) {

	x := newIndex()
	defer x.Close()

	r := rand.New(rand.NewSource(7))

	type pair struct{ value, target uint64 }
	live := []pair{}

	inserts, removes := 0, 0
	for step := 0; step < 3000; step++ {
		if len(live) > 0 && r.Intn(3) == 0 {
			i := r.Intn(len(live))
			p := live[i]
			live = append(live[:i], live[i+1:]...)
			if x.Remove(p.value, p.target) {
				removes++
			}
			continue
		}
		p := pair{value: uint64(r.Intn(200)), target: uint64(step)}
		x.Insert(p.target, p.value)
		live = append(live, p)
		inserts++
		if step%100 == 0 {
			x.Rebalance()
		}
	}

	AssertEqual(x.Count(), inserts-removes)
	AssertEqual(x.Count(), len(live))

	missing := 0
	for _, p := range live {
		found := false
		x.ForEach(p.value, p.value, func(value uint64, id uint64) bool {
			found = id == p.target
			return !found
		})
		if !found {
			missing++
		}
	}
	AssertEqual(missing, 0)
}

func TestIndex_RebalanceConverges(t *testing.T) {

	x := newIndex()
	defer x.Close()

	for i := uint64(0); i < 1000; i++ {
		x.Insert(i, i)
	}
	AssertEqual(x.Depth(), 1000)

	AssertTrue(x.Rebalance() > 0)
	AssertEqual(x.Rebalance(), 0)
	AssertTrue(x.Depth() < 40)

	// contents are untouched
	values := []uint64{}
	x.ForEach(0, 999, func(value uint64, id uint64) bool {
		values = append(values, value)
		return true
	})
	expected := []uint64{}
	for i := uint64(0); i < 1000; i++ {
		expected = append(expected, i)
	}
	AssertEqual(values, expected)
}

func TestIndex_RangeMatchesCountValue(t *testing.T) {

	x := newIndex()
	defer x.Close()

	r := rand.New(rand.NewSource(1))
	for i := 0; i < 2000; i++ {
		x.Insert(uint64(i), uint64(r.Intn(50)))
		if i%64 == 0 {
			x.Rebalance()
		}
	}

	inconsistent := []uint64{}
	total := 0
	for v := uint64(0); v < 50; v++ {
		visited := 0
		x.ForEach(v, v, func(value uint64, id uint64) bool {
			if value != v {
				inconsistent = append(inconsistent, v)
			}
			visited++
			return true
		})
		if visited != x.CountValue(v) {
			inconsistent = append(inconsistent, v)
		}
		total += visited
	}
	AssertEqual(inconsistent, []uint64{})
	AssertEqual(total, 2000)
}

func TestIndex_ForEachRangeAndStop(t *testing.T) {

	x := newIndex()
	defer x.Close()

	for _, v := range []uint64{50, 20, 80, 10, 30, 70, 90, 25, 35} {
		x.Insert(v*10, v)
	}

	Alternative("Range scan", func(a *A) {

		values := []uint64{}

		a.Alternative("Inside range", func(a *A) {
			x.ForEach(25, 70, func(value uint64, id uint64) bool {
				values = append(values, value)
				return true
			})
			AssertEqual(values, []uint64{25, 30, 35, 50, 70})
		})

		a.Alternative("Stops early", func(a *A) {
			x.ForEach(0, 100, func(value uint64, id uint64) bool {
				values = append(values, value)
				return len(values) < 3
			})
			AssertEqual(values, []uint64{10, 20, 25})
		})

		a.Alternative("Empty range", func(a *A) {
			x.ForEach(51, 69, func(value uint64, id uint64) bool {
				values = append(values, value)
				return true
			})
			AssertEqual(len(values), 0)
		})
	})
}

func TestIndex_Clear(t *testing.T) {

	x := newIndex()
	defer x.Close()

	for i := uint64(0); i < 100; i++ {
		x.Insert(i, i)
	}
	x.Clear()

	AssertEqual(x.Count(), 0)
	_, found := x.FindAny(5)
	AssertFalse(found)

	x.Insert(1, 1)
	AssertEqual(x.Count(), 1)
}

func TestIndex_Reopen(t *testing.T) {

	fs := afero.NewMemMapFs()

	{
		x, err := NewIndex[int32](fs, "idx.wdb")
		AssertNil(err)
		for i := int32(-50); i < 50; i++ {
			x.Insert(uint64(i+50), i)
		}
		x.Rebalance()
		AssertNil(x.Close())
	}

	x, err := NewIndex[int32](fs, "idx.wdb")
	AssertNil(err)
	defer x.Close()

	AssertEqual(x.Count(), 100)
	target, found := x.FindAny(-20)
	AssertTrue(found)
	AssertEqual(target, uint64(30))
}

func TestIndex_CustomComparator(t *testing.T) {

	descending := func(a, b float32) int {
		switch {
		case a > b:
			return -1
		case a < b:
			return 1
		}
		return 0
	}

	x, err := NewIndexFunc[float32](afero.NewMemMapFs(), "idx.wdb", descending)
	AssertNil(err)
	defer x.Close()

	for i, v := range []float32{1.5, 3.5, 2.5, 0.5} {
		x.Insert(uint64(i), v)
	}

	values := []float32{}
	x.ForEach(3.5, 1.0, func(value float32, id uint64) bool {
		values = append(values, value)
		return true
	})
	AssertEqual(values, []float32{3.5, 2.5, 1.5})
}

func TestIndex_MinMax(t *testing.T) {

	x := newIndex()
	defer x.Close()

	_, ok := x.Min()
	AssertFalse(ok)
	_, ok = x.Max()
	AssertFalse(ok)

	for i, v := range rand.Perm(100) {
		x.Insert(uint64(i), uint64(v)+10)
	}
	x.Rebalance()

	lowest, ok := x.Min()
	AssertTrue(ok)
	AssertEqual(lowest, uint64(10))
	highest, _ := x.Max()
	AssertEqual(highest, uint64(109))

	x.RemoveAny(10)
	x.RemoveAny(109)
	lowest, _ = x.Min()
	highest, _ = x.Max()
	AssertEqual(lowest, uint64(11))
	AssertEqual(highest, uint64(108))
}
