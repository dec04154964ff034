package websocket

import (
	"errors"
	"testing"

	"atelier/internal/events"
)

func TestHub_RegisterUnregister(t *testing.T) {
	bus := events.NewBus()
	hub := NewHub(bus)

	sub, err := bus.Subscribe("p1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	c := NewClient(hub, nil, sub)
	if c.projectID != "p1" {
		t.Errorf("projectID = %q, want p1", c.projectID)
	}

	if err := hub.Register(c); err != nil {
		t.Fatalf("register: %v", err)
	}
	if hub.ClientCount() != 1 || hub.ProjectClientCount("p1") != 1 {
		t.Errorf("counts = %d/%d, want 1/1", hub.ClientCount(), hub.ProjectClientCount("p1"))
	}

	hub.Unregister(c)
	hub.Unregister(c)
	if hub.ClientCount() != 0 || hub.ProjectClientCount("p1") != 0 {
		t.Errorf("counts = %d/%d after unregister", hub.ClientCount(), hub.ProjectClientCount("p1"))
	}
	if _, ok := <-sub.Events(); ok {
		t.Error("subscription still open after unregister")
	}
}

func TestHub_HandleChatWithoutHandler(t *testing.T) {
	hub := NewHub(events.NewBus())
	if err := hub.HandleChat("p1", "hi"); !errors.Is(err, ErrNoChatHandler) {
		t.Errorf("err = %v, want ErrNoChatHandler", err)
	}
}

func TestHub_CloseRefusesClients(t *testing.T) {
	bus := events.NewBus()
	hub := NewHub(bus)

	sub, _ := bus.Subscribe("p1")
	c := NewClient(hub, nil, sub)
	if err := hub.Register(c); err != nil {
		t.Fatalf("register: %v", err)
	}

	hub.Close()
	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount = %d after close", hub.ClientCount())
	}
	if bus.SubscriberCount("p1") != 0 {
		t.Errorf("SubscriberCount = %d after close", bus.SubscriberCount("p1"))
	}

	sub2, _ := bus.Subscribe("p1")
	defer sub2.Close()
	if err := hub.Register(NewClient(hub, nil, sub2)); !errors.Is(err, ErrHubClosed) {
		t.Errorf("err = %v, want ErrHubClosed", err)
	}
}
