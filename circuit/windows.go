package circuit

// Flow-control constants, spec.md §4.9.
const (
	CircWindowStart     = 1000
	CircWindowIncrement = 100

	StreamWindowStart     = 500
	StreamWindowIncrement = 50
)

// DeliverWindowFor returns a pointer to the deliver window that should be
// decremented for an inbound DATA cell recognized at hopIdx on an origin
// circuit (spec.md §4.5: "decrement circuit deliver window (per-hop if
// origin)").
func (c *Circuit) DeliverWindowFor(hopIdx int) *int {
	return &c.Hops[hopIdx].DeliverWindow
}

// PackageWindowFor returns a pointer to the package window that should be
// decremented when sending a DATA cell targeting hopIdx.
func (c *Circuit) PackageWindowFor(hopIdx int) *int {
	return &c.Hops[hopIdx].PackageWindow
}

// ConsiderSendMe implements spec.md §4.9's catch-up loop: while the window
// has dropped at least CircWindowIncrement below its start value, bump it
// back up and invoke send for each step. send is expected to transmit one
// circuit-level SENDME (stream_id == 0); it returns an error if the
// circuit closed mid-loop, in which case the loop stops.
func ConsiderSendMe(window *int, send func() error) error {
	for *window <= CircWindowStart-CircWindowIncrement {
		*window += CircWindowIncrement
		if err := send(); err != nil {
			return err
		}
	}
	return nil
}

// ConsiderStreamSendMe is ConsiderSendMe's stream-level counterpart, using
// the smaller stream window constants.
func ConsiderStreamSendMe(window *int, send func() error) error {
	for *window <= StreamWindowStart-StreamWindowIncrement {
		*window += StreamWindowIncrement
		if err := send(); err != nil {
			return err
		}
	}
	return nil
}
