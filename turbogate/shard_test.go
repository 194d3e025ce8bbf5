package turbogate

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShardedMapGetSetDelete(t *testing.T) {
	sm := newShardedMap()
	_, ok := sm.get("missing")
	require.False(t, ok)

	sm.set("k", 42)
	v, ok := sm.get("k")
	require.True(t, ok)
	require.Equal(t, 42, v)

	sm.delete("k")
	_, ok = sm.get("k")
	require.False(t, ok)
}

func TestShardedMapGetOrCreateIsIdempotent(t *testing.T) {
	sm := newShardedMap()
	calls := 0
	create := func() interface{} {
		calls++
		return calls
	}

	first := sm.getOrCreate("k", create)
	second := sm.getOrCreate("k", create)
	require.Equal(t, first, second)
	require.Equal(t, 1, calls)
}

func TestShardedMapConcurrentAccessDoesNotRace(t *testing.T) {
	sm := newShardedMap()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := string(rune('a' + n%26))
			sm.getOrCreate(key, func() interface{} { return 0 })
		}(i)
	}
	wg.Wait()
}

func TestShardedMapForEachVisitsAllEntries(t *testing.T) {
	sm := newShardedMap()
	for i := 0; i < 20; i++ {
		sm.set(string(rune('a'+i)), i)
	}
	seen := 0
	sm.forEach(func(string, interface{}) { seen++ })
	require.Equal(t, 20, seen)
}
