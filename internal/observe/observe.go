// Package observe provides the publish step components run after each
// mutation so that UI observers can follow state without the core depending
// on a notification mechanism.
package observe

type Listener[T any] func(T)

type Hub[T any] struct {
	next      int
	listeners map[int]Listener[T]
	order     []int
}

// Listen registers fn and returns a function that removes it.
func (h *Hub[T]) Listen(fn Listener[T]) func() {
	if h.listeners == nil {
		h.listeners = make(map[int]Listener[T])
	}

	id := h.next
	h.next++
	h.listeners[id] = fn
	h.order = append(h.order, id)

	return func() {
		delete(h.listeners, id)
		for i, v := range h.order {
			if v == id {
				h.order = append(h.order[:i], h.order[i+1:]...)
				break
			}
		}
	}
}

// Publish calls every listener in registration order.
func (h *Hub[T]) Publish(v T) {
	for _, id := range h.order {
		if fn, ok := h.listeners[id]; ok {
			fn(v)
		}
	}
}

func (h *Hub[T]) Len() int {
	return len(h.order)
}
