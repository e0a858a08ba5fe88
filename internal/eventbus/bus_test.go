package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFanout(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(2)
	c, unsubC := b.Subscribe(2)
	defer unsubC()

	b.Publish(Event{Type: UploadSucceeded, Data: "x.map"})

	ea := <-a
	ec := <-c
	assert.Equal(t, UploadSucceeded, ea.Type)
	assert.Equal(t, "x.map", ec.Data)
	assert.False(t, ea.Time.IsZero())

	unsubA()
	unsubA()
	_, ok := <-a
	assert.False(t, ok)

	b.Publish(Event{Type: BroadcastFinished})
	require.Len(t, c, 1)
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: RecipientPruned})
	b.Publish(Event{Type: RecipientPruned})

	assert.Len(t, ch, 1)
	assert.EqualValues(t, 1, b.Dropped())
}
