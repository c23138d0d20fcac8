package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Closi1/Scarlet-messenger/models"
)

func TestDrainFIFO(t *testing.T) {
	q := NewQueue()

	q.Push(models.ContactsChanged{})
	q.Push(models.PrivateMessageReceived{Message: models.Message{Text: "first"}})
	q.Push(models.PrivateMessageReceived{Message: models.Message{Text: "second"}})

	drained := q.Drain()
	require.Len(t, drained, 3)
	assert.IsType(t, models.ContactsChanged{}, drained[0])
	assert.Equal(t, "first", drained[1].(models.PrivateMessageReceived).Message.Text)
	assert.Equal(t, "second", drained[2].(models.PrivateMessageReceived).Message.Text)
}

func TestDrainEmpties(t *testing.T) {
	q := NewQueue()
	q.Push(models.ContactsChanged{})

	require.Len(t, q.Drain(), 1)
	assert.Nil(t, q.Drain())
	assert.Zero(t, q.Len())
}

func TestConcurrentPush(t *testing.T) {
	q := NewQueue()

	const producers, perProducer = 8, 100

	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				q.Push(models.ContactsChanged{})
			}
		}()
	}
	wg.Wait()

	assert.Len(t, q.Drain(), producers*perProducer)
}
