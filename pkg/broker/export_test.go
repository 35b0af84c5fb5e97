package broker

import "time"

// SetNow overrides the broker's clock for tests.
func (b *Broker) SetNow(now func() time.Time) {
	b.now = now
}
