package workerpool

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/fulldump/biff"
)

func TestPool_WaitForAll(t *testing.T) {

	p := New(4)

	done := int64(0)
	for i := 0; i < 100; i++ {
		p.Submit(func() error {
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&done, 1)
			return nil
		})
	}
	AssertEqual(p.Pending(), 100)

	AssertNil(p.Wait())
	AssertEqual(atomic.LoadInt64(&done), int64(100))
	AssertEqual(p.Pending(), 0)
}

func TestPool_LimitsConcurrency(t *testing.T) {

	p := New(3)

	running, peak := int64(0), int64(0)
	for i := 0; i < 30; i++ {
		p.Submit(func() error {
			n := atomic.AddInt64(&running, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&running, -1)
			return nil
		})
	}
	p.Wait()

	AssertTrue(peak <= 3)
}

func TestPool_ErrorAndReuse(t *testing.T) {

	p := New(2)

	failure := errors.New("boom")
	p.Submit(func() error { return failure })
	p.Submit(func() error { return nil })
	AssertEqual(p.Wait(), failure)

	p.Submit(func() error { return nil })
	AssertNil(p.Wait())
}

func TestPool_DefaultWorkers(t *testing.T) {
	AssertTrue(New(0).Workers() > 0)
}
