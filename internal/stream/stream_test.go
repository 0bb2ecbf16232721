package stream

import (
	"context"
	"testing"
	"time"

	"documind/internal/config"
	"documind/internal/models"
)

func testStreamConfig() config.StreamConfig {
	return config.StreamConfig{
		QueueDepth:  4,
		IdleTimeout: time.Minute,
		ReapEvery:   time.Minute,
	}
}

func TestPumpForwardsInOrderAndCloses(t *testing.T) {
	r := NewRegistry(testStreamConfig())
	s := r.Open(context.Background())

	source := make(chan models.StreamEvent)
	go func() {
		source <- models.StreamEvent{Delta: "a"}
		source <- models.StreamEvent{Delta: "b"}
		source <- models.StreamEvent{Done: true}
		close(source)
	}()
	go s.Pump(source)

	var got []models.StreamEvent
	for ev := range s.Events() {
		got = append(got, ev)
	}
	if len(got) != 3 || got[0].Delta != "a" || got[1].Delta != "b" || !got[2].Done {
		t.Fatalf("events = %+v", got)
	}
	if r.Len() != 0 {
		t.Error("finished session still registered")
	}
}

func TestDisconnectCancelsProducer(t *testing.T) {
	cfg := testStreamConfig()
	cfg.QueueDepth = 1
	r := NewRegistry(cfg)
	s := r.Open(context.Background())

	// producer that never stops on its own
	source := make(chan models.StreamEvent)
	producerDone := make(chan struct{})
	go func() {
		defer close(producerDone)
		i := 0
		for {
			select {
			case source <- models.StreamEvent{Delta: "x"}:
				i++
			case <-s.Context().Done():
				close(source)
				return
			}
		}
	}()
	go s.Pump(source)

	<-s.Events() // consume one event, then drop the connection
	r.Disconnect(s.ID)

	select {
	case <-producerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("producer not cancelled after disconnect")
	}
	if _, ok := r.Get(s.ID); ok {
		t.Error("disconnected session still registered")
	}
}

func TestBoundedQueueBlocksProducer(t *testing.T) {
	cfg := testStreamConfig()
	cfg.QueueDepth = 2
	r := NewRegistry(cfg)
	s := r.Open(context.Background())

	source := make(chan models.StreamEvent)
	go s.Pump(source)

	// with no consumer the producer can run queue depth plus the one event
	// Pump holds in flight ahead, then must block
	source <- models.StreamEvent{Delta: "1"}
	source <- models.StreamEvent{Delta: "2"}
	source <- models.StreamEvent{Delta: "3"}

	select {
	case source <- models.StreamEvent{Delta: "4"}:
		t.Fatal("producer ran more than depth+1 events ahead with no consumer")
	case <-time.After(50 * time.Millisecond):
	}

	<-s.Events() // free one slot
	select {
	case source <- models.StreamEvent{Delta: "4"}:
	case <-time.After(time.Second):
		t.Fatal("producer still blocked after consumer drained a slot")
	}
	close(source)
}

func TestReaperClosesIdleSessions(t *testing.T) {
	cfg := config.StreamConfig{QueueDepth: 1, IdleTimeout: 20 * time.Millisecond, ReapEvery: 5 * time.Millisecond}
	r := NewRegistry(cfg)
	r.Start()
	defer r.Stop()

	idle := r.Open(context.Background())
	busy := r.Open(context.Background())
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				busy.Heartbeat()
			case <-stop:
				return
			}
		}
	}()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-idle.Context().Done():
			if busy.Context().Err() != nil {
				t.Fatal("heartbeating session was reaped")
			}
			return
		case <-deadline:
			t.Fatal("idle session never reaped")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestStopClosesRemainingSessions(t *testing.T) {
	r := NewRegistry(testStreamConfig())
	s := r.Open(context.Background())
	r.Start()
	r.Stop()
	if s.Context().Err() == nil {
		t.Error("stop left a session open")
	}
}
