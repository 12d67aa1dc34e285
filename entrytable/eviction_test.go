package entrytable

import "testing"

func TestEvictionBatchSize(t *testing.T) {
	cases := map[int]int{
		5:   10, // max(10, ceil(5*0.05)=1) -> 10, caller caps at n
		100: 10, // ceil(5) = 5 -> still below floor of 10
		400: 20, // ceil(20) = 20
	}
	for n, want := range cases {
		if got := evictionBatchSize(n); got != want {
			t.Errorf("evictionBatchSize(%d) = %d, want %d", n, got, want)
		}
	}
}
