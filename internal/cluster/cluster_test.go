package cluster

import "testing"

func TestLeaveRecoversPartitions(t *testing.T) {
	c := NewLocal(4, "a")
	b := c.Join("b")
	c.Transfer([]int{1, 3}, b.ID)
	if got := c.OwnedBy(b.ID); len(got) != 2 {
		t.Fatalf("b owns %v", got)
	}

	var events []Event
	c.AddListener(func(e Event) { events = append(events, e) })
	c.Leave(b.ID)

	if len(events) != 2 || events[0].Type != MemberLeft || events[1].Type != PartitionsRecovered {
		t.Fatalf("unexpected events %+v", events)
	}
	if events[1].NewOwner != c.Self().ID || len(events[1].Partitions) != 2 {
		t.Fatalf("recovery should land on self: %+v", events[1])
	}
	if c.Owner(3) != c.Self().ID || c.IsMember(b.ID) {
		t.Fatalf("ownership not restored")
	}
}

func TestSelfCannotLeave(t *testing.T) {
	c := NewLocal(2, "a")
	c.Leave(c.Self().ID)
	if len(c.Members()) != 1 {
		t.Fatalf("self removed")
	}
}

func TestListenerRemoval(t *testing.T) {
	c := NewLocal(1, "a")
	n := 0
	stop := c.AddListener(func(Event) { n++ })
	c.Join("b")
	stop()
	c.Join("c")
	if n != 1 {
		t.Fatalf("listener called %d times", n)
	}
}
