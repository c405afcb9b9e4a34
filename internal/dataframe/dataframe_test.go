package dataframe

import (
	"reflect"
	"sync"
	"testing"
)

func TestAppendKeepsOrder(t *testing.T) {
	f := NewFrame("b", "a")
	for i := int64(1); i <= 3; i++ {
		if err := f.Append("a", i); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if got := f.Values("a"); !reflect.DeepEqual(got, []int64{1, 2, 3}) {
		t.Fatalf("unexpected values %v", got)
	}
	if got := f.Metrics(); !reflect.DeepEqual(got, []string{"b", "a"}) {
		t.Fatalf("unexpected metric order %v", got)
	}
	if f.Len("b") != 0 {
		t.Fatalf("expected empty series b")
	}
}

func TestFreezeRejectsAppends(t *testing.T) {
	f := NewFrame("a")
	f.Append("a", 1)
	f.Freeze()
	if err := f.Append("a", 2); err == nil {
		t.Fatalf("expected error after freeze")
	}
	if f.Len("a") != 1 {
		t.Fatalf("frozen series changed")
	}
}

func TestValuesReturnsCopy(t *testing.T) {
	f := NewFrame("a")
	f.Append("a", 1)
	v := f.Values("a")
	v[0] = 42
	if f.Values("a")[0] != 1 {
		t.Fatalf("Values leaked internal slice")
	}
}

func TestConcurrentAppend(t *testing.T) {
	f := NewFrame()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				f.Append("x", int64(j))
			}
		}()
	}
	wg.Wait()
	if f.Len("x") != 1000 {
		t.Fatalf("expected 1000 values, got %d", f.Len("x"))
	}
}
