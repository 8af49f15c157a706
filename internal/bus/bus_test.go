package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/reflexhq/reflex/internal/model"
)

func TestPublishMatchesPatterns(t *testing.T) {
	b := New()

	var exact, wildcard, all, other []string
	b.Subscribe("order.paid", func(e model.Event) { exact = append(exact, e.Topic) })
	b.Subscribe("order.*", func(e model.Event) { wildcard = append(wildcard, e.Topic) })
	b.Subscribe("*", func(e model.Event) { all = append(all, e.Topic) })
	b.Subscribe("payment.*", func(e model.Event) { other = append(other, e.Topic) })

	b.Publish(model.NewEvent("order.paid", nil, "test"))
	b.Publish(model.NewEvent("order.created", nil, "test"))
	b.Publish(model.NewEvent("inventory.low", nil, "test"))

	assert.Equal(t, []string{"order.paid"}, exact)
	assert.Equal(t, []string{"order.paid", "order.created"}, wildcard)
	assert.Equal(t, []string{"order.paid", "order.created", "inventory.low"}, all)
	assert.Empty(t, other)
}

func TestDeliveryOrderIsRegistrationOrder(t *testing.T) {
	b := New()
	var order []int
	for i := 0; i < 5; i++ {
		n := i
		b.Subscribe("*", func(model.Event) { order = append(order, n) })
	}
	b.Publish(model.NewEvent("a", nil, "test"))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	var count int
	id := b.Subscribe("*", func(model.Event) { count++ })

	b.Publish(model.NewEvent("a", nil, "test"))
	b.Unsubscribe(id)
	b.Unsubscribe(id) // idempotent
	b.Publish(model.NewEvent("a", nil, "test"))

	assert.Equal(t, 1, count)
	assert.Zero(t, b.SubscriberCount())
}

func TestHandlerPanicIsolated(t *testing.T) {
	b := New()
	var delivered bool
	b.Subscribe("*", func(model.Event) { panic("bad handler") })
	b.Subscribe("*", func(model.Event) { delivered = true })

	b.Publish(model.NewEvent("a", nil, "test"))
	assert.True(t, delivered)
}
