package events

import "testing"

func TestBus_PublishFansOutToEverySubscriber(t *testing.T) {
	b := NewBus()
	chA, unsubA := b.Subscribe(4)
	defer unsubA()
	chB, unsubB := b.Subscribe(4)
	defer unsubB()

	b.Publish(Event{Kind: ScanComplete, Payload: ScanCompletePayload{AppsFound: 3}})

	for _, ch := range []<-chan Event{chA, chB} {
		select {
		case ev := <-ch:
			payload, ok := ev.Payload.(ScanCompletePayload)
			if !ok || payload.AppsFound != 3 {
				t.Fatalf("payload = %+v", ev.Payload)
			}
		default:
			t.Fatal("expected a buffered event on every subscriber")
		}
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(1)
	unsub()

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
}

func TestBus_FullBufferDropsRatherThanBlocks(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Kind: ScanProgress})
	b.Publish(Event{Kind: ScanProgress}) // buffer full; must not block

	<-ch
	select {
	case <-ch:
		t.Fatal("expected only one buffered event to survive the full buffer")
	default:
	}
}
