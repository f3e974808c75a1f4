package ringbuf

import (
	"fmt"
	"reflect"
	"testing"
)

func TestPushAndLastN(t *testing.T) {
	b := New(5)
	b.PushAll([]string{"a", "b", "c"})

	if got := b.LastN(2); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Errorf("LastN(2) = %v, want [b c]", got)
	}
	if got := b.LastN(10); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("LastN(10) = %v, want all lines", got)
	}
}

func TestEvictionAtCapacity(t *testing.T) {
	b := New(3)
	b.PushAll([]string{"1", "2", "3"})
	// One more push evicts exactly the oldest line.
	b.Push("4")

	if b.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", b.Len())
	}
	if got := b.LastN(3); !reflect.DeepEqual(got, []string{"2", "3", "4"}) {
		t.Errorf("LastN(3) = %v, want [2 3 4]", got)
	}
}

func TestWrapAroundOrdering(t *testing.T) {
	b := New(4)
	for i := 0; i < 11; i++ {
		b.Push(fmt.Sprintf("line-%d", i))
	}
	want := []string{"line-7", "line-8", "line-9", "line-10"}
	if got := b.LastN(4); !reflect.DeepEqual(got, want) {
		t.Errorf("LastN(4) = %v, want %v", got, want)
	}
}

func TestZeroCapacityFallsBack(t *testing.T) {
	b := New(0)
	if b.Cap() != DefaultCapacity {
		t.Errorf("Cap() = %d, want %d", b.Cap(), DefaultCapacity)
	}
}

func TestLastNEmpty(t *testing.T) {
	b := New(3)
	if got := b.LastN(2); got != nil {
		t.Errorf("LastN on empty buffer = %v, want nil", got)
	}
	b.Push("x")
	if got := b.LastN(0); got != nil {
		t.Errorf("LastN(0) = %v, want nil", got)
	}
}
