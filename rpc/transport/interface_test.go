package transport

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRemoteAddress_String(t *testing.T) {
	require.Equal(t, "127.0.0.1:8080#3", RemoteAddress{StreamID: 3, Address: "127.0.0.1:8080"}.String())
}

func TestFixed(t *testing.T) {
	r := RemoteAddress{StreamID: 1, Address: "a"}
	supplier := Fixed(r)
	for i := 0; i < 3; i++ {
		got, ok := supplier()
		require.True(t, ok)
		require.Equal(t, r, got)
	}
}

func TestRoundRobin(t *testing.T) {
	_, ok := RoundRobin()()
	require.False(t, ok)

	a := RemoteAddress{StreamID: 1, Address: "a"}
	b := RemoteAddress{StreamID: 2, Address: "b"}
	supplier := RoundRobin(a, b)

	var got []RemoteAddress
	for i := 0; i < 4; i++ {
		r, ok := supplier()
		require.True(t, ok)
		got = append(got, r)
	}
	require.Equal(t, []RemoteAddress{a, b, a, b}, got)
}

func TestRoundRobin_Concurrent(t *testing.T) {
	a := RemoteAddress{StreamID: 1}
	b := RemoteAddress{StreamID: 2}
	supplier := RoundRobin(a, b)

	var (
		mu     sync.Mutex
		counts = map[int32]int{}
		wg     sync.WaitGroup
	)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r, _ := supplier()
				mu.Lock()
				counts[r.StreamID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 200, counts[1])
	require.Equal(t, 200, counts[2])
}
