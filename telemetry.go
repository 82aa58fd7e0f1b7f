package gnc

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// EventKind classifies a traceability record.
type EventKind uint8

const (
	// EventTransition records a Mode/Authority change.
	EventTransition EventKind = iota + 1
	// EventEstimatorFault records a navigation filter fault.
	EventEstimatorFault
	// EventGuidanceFault records a guidance planning fault.
	EventGuidanceFault
	// EventSaturation records a persistent actuator saturation.
	EventSaturation
)

func (k EventKind) String() string {
	switch k {
	case EventTransition:
		return "transition"
	case EventEstimatorFault:
		return "estimator-fault"
	case EventGuidanceFault:
		return "guidance-fault"
	case EventSaturation:
		return "saturation"
	}
	return "unknown"
}

// Event is one traceability record: every transition, fault and saturation is
// recorded with timestamp and cause for post-mission verification.
type Event struct {
	DT    time.Time
	Kind  EventKind
	Cause string
	From  string
	To    string
}

// CSV returns the record as a CSV row.
func (e Event) CSV() string {
	return fmt.Sprintf("%s,%s,%q,%s,%s\n", e.DT.Format(time.RFC3339Nano), e.Kind, e.Cause, e.From, e.To)
}

// Recorder collects traceability events for post-mission verification.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{events: make([]Event, 0, 1024)}
}

// Record appends one event.
func (r *Recorder) Record(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of all recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event{}, r.events...)
}

// LastOfKind returns the most recent event of the given kind, if any.
func (r *Recorder) LastOfKind(kind EventKind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return Event{}, false
}

// WriteCSV exports all events to the given file.
func (r *Recorder) WriteCSV(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString("dt,kind,cause,from,to\n"); err != nil {
		return err
	}
	for _, e := range r.Events() {
		if _, err := f.WriteString(e.CSV()); err != nil {
			return err
		}
	}
	return nil
}
