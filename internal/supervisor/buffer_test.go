package supervisor

import (
	"fmt"
	"reflect"
	"testing"
)

func TestCircularBufferPartialFill(t *testing.T) {
	b := NewCircularBuffer(5)
	b.Write("one")
	b.Write("two")

	if got := b.Lines(); !reflect.DeepEqual(got, []string{"one", "two"}) {
		t.Errorf("lines = %v", got)
	}
}

func TestCircularBufferWraps(t *testing.T) {
	b := NewCircularBuffer(3)
	for i := 1; i <= 5; i++ {
		b.Write(fmt.Sprintf("line %d", i))
	}

	want := []string{"line 3", "line 4", "line 5"}
	if got := b.Lines(); !reflect.DeepEqual(got, want) {
		t.Errorf("lines = %v, want %v", got, want)
	}
}

func TestCircularBufferReset(t *testing.T) {
	b := NewCircularBuffer(3)
	b.Write("stale")
	b.Reset()

	if got := b.Lines(); len(got) != 0 {
		t.Errorf("lines after reset = %v", got)
	}
	b.Write("fresh")
	if got := b.Lines(); !reflect.DeepEqual(got, []string{"fresh"}) {
		t.Errorf("lines = %v", got)
	}
}
