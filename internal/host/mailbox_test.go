package host

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailbox_PushNeverBlocks(t *testing.T) {
	m := newMailbox[int]()

	for i := 0; i < 10_000; i++ {
		require.True(t, m.Push(i))
	}

	for i := 0; i < 10_000; i++ {
		select {
		case v := <-m.Out():
			require.Equal(t, i, v)
		case <-time.After(time.Second):
			t.Fatalf("timed out at %d", i)
		}
	}
}

func TestMailbox_CloseDrains(t *testing.T) {
	m := newMailbox[string]()
	m.Push("a")
	m.Push("b")

	m.Close()
	assert.False(t, m.Push("c"))

	var got []string
	for v := range m.Out() {
		got = append(got, v)
	}
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestMailbox_StopDiscards(t *testing.T) {
	m := newMailbox[string]()
	m.Push("a")
	m.Push("b")

	m.Stop()
	assert.False(t, m.Push("c"))

	select {
	case _, ok := <-m.Out():
		if ok {
			// The pump may have handed over one item before Stop.
			_, ok = <-m.Out()
		}
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("out was not closed")
	}
}
