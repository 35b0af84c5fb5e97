package interactive

import (
	"context"
	"io"
	"sync"

	"github.com/werkstattwaedi/machine-auth-sub005/pkg/nfc"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/nfc/nfctest"
)

// Field simulates the reader's RF field with at most one tag. It
// implements the terminal's Reader interface.
type Field struct {
	mu  sync.Mutex
	tag *nfctest.Tag
}

// NewField creates an empty simulated RF field.
func NewField() *Field {
	return &Field{}
}

// Present places a simulated tag into the field, replacing any previous
// one. A nil tag empties the field.
func (f *Field) Present(tag *nfctest.Tag) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tag = tag
}

// Tag reports the UID of the tag currently in the field.
func (f *Field) Tag() (nfc.TagUid, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tag == nil {
		return nfc.TagUid{}, false
	}
	return f.tag.Uid(), true
}

// Transceiver returns the current tag as the raw command transport.
func (f *Field) Transceiver() nfc.Transceiver {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tag
}

// PowerRelay simulates the machine power relay by announcing switch
// transitions on the shell output. It implements the machine's Relay
// interface.
type PowerRelay struct {
	mu      sync.Mutex
	out     io.Writer
	enabled bool
}

// NewPowerRelay creates a simulated relay writing transitions to out.
func NewPowerRelay(out io.Writer) *PowerRelay {
	return &PowerRelay{out: out}
}

func (r *PowerRelay) Enable(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		io.WriteString(r.out, "*** machine power ON ***\n")
	}
	r.enabled = true
	return nil
}

func (r *PowerRelay) Disable(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enabled {
		io.WriteString(r.out, "*** machine power OFF ***\n")
	}
	r.enabled = false
	return nil
}

// Enabled reports the simulated switch position.
func (r *PowerRelay) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}
