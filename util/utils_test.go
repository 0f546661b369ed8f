package util

import (
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMap(t *testing.T) {
	got := Map([]int{1, 2, 3}, strconv.Itoa)
	want := []string{"1", "2", "3"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Map mismatch (-want +got):\n%s", diff)
	}
}

func TestMapEmpty(t *testing.T) {
	got := Map([]string{}, strings.ToUpper)
	if len(got) != 0 {
		t.Errorf("Map of empty slice returned %v", got)
	}
}

func TestFilter(t *testing.T) {
	got := Filter([]int{1, 2, 3, 4, 5}, func(n int) bool { return n%2 == 0 })
	want := []int{2, 4}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Filter mismatch (-want +got):\n%s", diff)
	}
}

func TestFilterKeepsNone(t *testing.T) {
	got := Filter([]string{"a", "b"}, func(string) bool { return false })
	if len(got) != 0 {
		t.Errorf("Filter returned %v, want empty", got)
	}
}

func TestReduce(t *testing.T) {
	got := Reduce([]string{"a", "b", "c"}, func(s, acc string) string { return acc + s }, "")
	if got != "abc" {
		t.Errorf("Reduce returned %q, want %q", got, "abc")
	}
}

func TestReduceSum(t *testing.T) {
	got := Reduce([]int{1, 2, 3, 4}, func(n, sum int) int { return sum + n }, 0)
	if got != 10 {
		t.Errorf("Reduce returned %d, want 10", got)
	}
}
