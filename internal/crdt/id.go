package crdt

import "fmt"

// ID identifies an operation: the replica that created it and that replica's
// clock at creation time. Clocks are only ordered within one client.
type ID struct {
	Client uint64
	Clock  uint64
}

func NewID(client, clock uint64) ID {
	return ID{Client: client, Clock: clock}
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Client, id.Clock)
}

func idPtr(id ID) *ID { return &id }

func sameID(a, b *ID) bool {
	return a == b || (a != nil && b != nil && *a == *b)
}
