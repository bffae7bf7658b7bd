package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubscribeAllReceivesEveryJob(t *testing.T) {
	b := New()
	_, ch := b.Subscribe("")

	b.OnProgress("job-1", Snapshot{JobID: "job-1", Progress: 50})
	b.OnProgress("job-2", Snapshot{JobID: "job-2", Progress: 10})

	first := recv(t, ch)
	require.Equal(t, "job-1", first.JobID)
	second := recv(t, ch)
	require.Equal(t, "job-2", second.JobID)
}

func TestSubscribeFiltersByJobID(t *testing.T) {
	b := New()
	_, ch := b.Subscribe("job-1")

	b.OnProgress("job-2", Snapshot{JobID: "job-2"})
	b.OnProgress("job-1", Snapshot{JobID: "job-1", Progress: 75})

	snap := recv(t, ch)
	require.Equal(t, "job-1", snap.JobID)
	require.Equal(t, 75.0, snap.Progress)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	h, ch := b.Subscribe("")
	b.Unsubscribe(h)

	_, ok := <-ch
	require.False(t, ok)
	require.Equal(t, 0, b.SubscriberCount())
}

func TestSlowSubscriberIsDroppedNotBlocked(t *testing.T) {
	b := New()
	_, ch := b.Subscribe("job-x")
	_ = ch // never drained

	for i := 0; i < subscriberBuffer+10; i++ {
		done := make(chan struct{})
		go func() {
			b.OnProgress("job-x", Snapshot{JobID: "job-x", Progress: float64(i)})
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("OnProgress blocked on a full subscriber channel")
		}
	}

	require.Equal(t, 0, b.SubscriberCount())
}

func recv(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
		return Snapshot{}
	}
}
