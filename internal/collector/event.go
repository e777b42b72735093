package collector

// event is the classification of a raw notification. The set of variants is
// closed: appendEvent, truncateEvent and createEvent, matched in apply.
type event interface {
	isEvent()
}

// appendEvent: the file grew, or changed without shrinking below the read
// offset.
type appendEvent[H comparable] struct {
	handle H
}

// truncateEvent: the file is now shorter than the read offset.
type truncateEvent[H comparable] struct {
	handle H
}

// createEvent: a root rescan surfaced a name that is not yet registered.
type createEvent struct {
	found discovery
}

func (appendEvent[H]) isEvent()   {}
func (truncateEvent[H]) isEvent() {}
func (createEvent) isEvent()      {}
