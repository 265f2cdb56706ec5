package kad

import (
	"sync"
	"testing"

	"github.com/bwrega/mldht/kad/krpc"
)

func TestCallTablePutIfAbsent(t *testing.T) {
	table := newCallTable()
	mtid := []byte{1, 2, 3, 4, 5, 6}
	a := NewCall(&krpc.PingRequest{})
	b := NewCall(&krpc.PingRequest{})

	if !table.putIfAbsent(mtid, a) {
		t.Fatal("first insert must succeed")
	}
	if table.putIfAbsent(mtid, b) {
		t.Fatal("colliding insert must not evict")
	}
	if table.get(mtid) != a {
		t.Fatal("collision replaced the original call")
	}
	if table.size() != 1 {
		t.Fatalf("size = %d, want 1", table.size())
	}
}

func TestCallTableIdentityConditionalRemove(t *testing.T) {
	table := newCallTable()
	mtid := []byte{9, 9, 9, 9, 9, 9}
	a := NewCall(&krpc.PingRequest{})
	b := NewCall(&krpc.PingRequest{})
	table.putIfAbsent(mtid, a)

	if table.removeIf(mtid, b) {
		t.Fatal("removal with the wrong identity must fail")
	}
	if !table.removeIf(mtid, a) {
		t.Fatal("identity removal must succeed")
	}
	if table.removeIf(mtid, a) {
		t.Fatal("second removal must be a no-op")
	}
}

func TestCallTableRejectsWrongLengthIDs(t *testing.T) {
	table := newCallTable()
	if table.putIfAbsent([]byte{1, 2}, NewCall(&krpc.PingRequest{})) {
		t.Fatal("wrong-length mtid must not be admitted")
	}
	if table.get([]byte{1, 2}) != nil {
		t.Fatal("wrong-length lookup must miss")
	}
}

func TestCallTableConcurrentInsertions(t *testing.T) {
	table := newCallTable()
	const writers = 16
	var wg sync.WaitGroup
	winners := make([]int, 256)
	var mu sync.Mutex

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 256; i++ {
				mtid := []byte{byte(i), 0, 0, 0, 0, 0}
				if table.putIfAbsent(mtid, NewCall(&krpc.PingRequest{})) {
					mu.Lock()
					winners[i]++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	for i, n := range winners {
		if n != 1 {
			t.Fatalf("mtid %d admitted %d times, want exactly 1", i, n)
		}
	}
	if table.size() != 256 {
		t.Fatalf("size = %d, want 256", table.size())
	}
}
