package lexicon

// FilterChannel is a single-producer/single-consumer, latest-value channel
// carrying the current record-collection set to the ingestor. It never
// blocks a publisher: a pending, unconsumed value is replaced rather than
// queued, so intermediate updates coalesce under load (§5, ordering
// guarantee (d)).
type FilterChannel struct {
	ch chan []string
}

// NewFilterChannel returns a channel ready to receive pushes.
func NewFilterChannel() *FilterChannel {
	return &FilterChannel{ch: make(chan []string, 1)}
}

// Push publishes the latest wanted collection set, discarding any value
// that hadn't yet been consumed.
func (f *FilterChannel) Push(collections []string) {
	for {
		select {
		case f.ch <- collections:
			return
		default:
			select {
			case <-f.ch:
			default:
			}
		}
	}
}

// C exposes the receive side for the ingestor's select loop.
func (f *FilterChannel) C() <-chan []string { return f.ch }

// PublishCurrent recomputes and pushes the registry's current
// record-collection set. Called after every registry mutation so type
// flips (record -> query, etc.) are handled the same way as additions and
// removals (Open Question, resolved symmetrically — see SPEC_FULL.md §9).
func PublishCurrent(r *Registry, f *FilterChannel) {
	f.Push(r.RecordCollections())
}
