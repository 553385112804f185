package eventbus

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type ping struct{ N int }
type pong struct{ N int }

func TestPublishSubscribe(t *testing.T) {
	b := New()
	var got []int
	unsub := Subscribe(b, func(_ context.Context, e ping) { got = append(got, e.N) })
	Subscribe(b, func(_ context.Context, e pong) { got = append(got, -e.N) })

	Publish(b, context.Background(), ping{N: 1})
	Publish(b, context.Background(), pong{N: 2})
	unsub()
	Publish(b, context.Background(), ping{N: 3})

	if diff := cmp.Diff([]int{1, -2}, got); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestNilBus(t *testing.T) {
	var b *Bus
	unsub := Subscribe(b, func(context.Context, ping) { t.Fatal("unexpected call") })
	Publish(b, context.Background(), ping{})
	unsub()
}
