package notify

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHub_OrderAndReentry(t *testing.T) {
	t.Parallel()
	var h Hub[int]
	var got []int

	h.Subscribe(func(v int) {
		got = append(got, v)
		if v == 1 {
			// queued from inside a listener: delivered after the current value
			h.Queue(2)
			h.Drain()
		}
	})

	h.Queue(1)
	h.Drain()
	require.Equal(t, []int{1, 2}, got)
}

func TestHub_Unsubscribe(t *testing.T) {
	t.Parallel()
	var h Hub[string]
	calls := 0
	unsub := h.Subscribe(func(string) { calls++ })

	h.Queue("a")
	h.Drain()
	unsub()
	h.Queue("b")
	h.Drain()
	require.Equal(t, 1, calls)
}

func TestHub_ConcurrentDrainDeliversAll(t *testing.T) {
	t.Parallel()
	var h Hub[int]
	var mu sync.Mutex
	n := 0
	h.Subscribe(func(int) {
		mu.Lock()
		n++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.Queue(i)
			h.Drain()
		}(i)
	}
	wg.Wait()
	h.Drain()
	require.Equal(t, 16, n)
}
