package control

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/torproject-go/gotor-core/pkg/logger"
)

// EventType names an asynchronous 650 event subclass (spec.md section 3).
type EventType string

const (
	EventBW      EventType = "BW"
	EventCirc    EventType = "CIRC"
	EventStream  EventType = "STREAM"
	EventORConn  EventType = "ORCONN"
	EventNewDesc EventType = "NEWDESC"
	EventGuard   EventType = "GUARD"
	EventLog     EventType = "LOG"
	EventStatus  EventType = "STATUS"
	EventUnknown EventType = "UNKNOWN"
)

// Event is an asynchronous control-protocol notification, parsed into one
// of the tagged variants spec.md section 9's design notes describe.
type Event interface {
	Type() EventType
}

// BandwidthEvent is a 650 BW event.
type BandwidthEvent struct {
	BytesRead    uint64
	BytesWritten uint64
}

func (e *BandwidthEvent) Type() EventType { return EventBW }

// CircuitEvent is a 650 CIRC event.
type CircuitEvent struct {
	CircuitID   uint32
	Status      string // LAUNCHED, BUILT, EXTENDED, FAILED, CLOSED
	Path        string
	BuildFlags  string
	Purpose     string
	HSState     string
	RendQuery   string
	TimeCreated time.Time
}

func (e *CircuitEvent) Type() EventType { return EventCirc }

// StreamEvent is a 650 STREAM event.
type StreamEvent struct {
	StreamID  uint16
	Status    string // NEW, NEWRESOLVE, REMAP, SENTCONNECT, SENTRESOLVE, SUCCEEDED, FAILED, CLOSED, DETACHED
	CircuitID uint32
	Target    string
	Reason    string
}

func (e *StreamEvent) Type() EventType { return EventStream }

// ORConnEvent is a 650 ORCONN event.
type ORConnEvent struct {
	Target   string
	Status   string // NEW, LAUNCHED, CONNECTED, FAILED, CLOSED
	Reason   string
	NumCircs int
}

func (e *ORConnEvent) Type() EventType { return EventORConn }

// LogEvent is one of the 650 DEBUG/INFO/NOTICE/WARN/ERR log events.
type LogEvent struct {
	Severity string
	Message  string
}

func (e *LogEvent) Type() EventType { return EventLog }

// StatusEvent is a 650 STATUS_GENERAL/STATUS_CLIENT/STATUS_SERVER event.
// Every key="value" pair is captured permissively, per spec.md section
// 4.4's note that STATUS_* events use permissive quoting throughout.
type StatusEvent struct {
	Name     string
	Severity string
	Action   string
	Args     map[string]string
}

func (e *StatusEvent) Type() EventType { return EventStatus }

// UnknownEvent preserves an unrecognized event name and its raw text
// verbatim, per spec.md section 9's design notes.
type UnknownEvent struct {
	Name string
	Raw  string
}

func (e *UnknownEvent) Type() EventType { return EventUnknown }

var quotedPairPattern = regexp.MustCompile(`(\w+)="((?:[^"\\]|\\.)*)"`)

// parseEvent parses a 650 ControlMessage's first line into a typed Event,
// per spec.md section 4.4's event parsing grammar: strip the event name,
// then read positional tokens followed by KEY=value pairs.
func parseEvent(msg *ControlMessage) (Event, error) {
	if len(msg.Lines) == 0 {
		return nil, fmt.Errorf("control: empty event message")
	}
	name, rest, _ := strings.Cut(msg.Lines[0].Text, " ")
	fields := strings.Fields(rest)

	switch name {
	case string(EventBW):
		return parseBandwidthEvent(fields)
	case string(EventCirc):
		return parseCircuitEvent(fields)
	case string(EventStream):
		return parseStreamEvent(fields)
	case string(EventORConn):
		return parseORConnEvent(fields)
	case "DEBUG", "INFO", "NOTICE", "WARN", "ERR":
		return &LogEvent{Severity: name, Message: rest}, nil
	case "STATUS_GENERAL", "STATUS_CLIENT", "STATUS_SERVER":
		return parseStatusEvent(name, fields)
	default:
		return &UnknownEvent{Name: name, Raw: msg.Lines[0].Text}, nil
	}
}

func parseBandwidthEvent(fields []string) (*BandwidthEvent, error) {
	if len(fields) < 2 {
		return nil, fmt.Errorf("control: malformed BW event")
	}
	read, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("control: malformed BW bytes-read %q", fields[0])
	}
	written, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("control: malformed BW bytes-written %q", fields[1])
	}
	return &BandwidthEvent{BytesRead: read, BytesWritten: written}, nil
}

func parseCircuitEvent(fields []string) (*CircuitEvent, error) {
	if len(fields) < 2 {
		return nil, fmt.Errorf("control: malformed CIRC event")
	}
	id, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("control: malformed CIRC circuit id %q", fields[0])
	}
	ev := &CircuitEvent{CircuitID: uint32(id), Status: fields[1]}
	for _, f := range fields[2:] {
		key, value, ok := strings.Cut(f, "=")
		if !ok {
			ev.Path = f
			continue
		}
		switch key {
		case "BUILD_FLAGS":
			ev.BuildFlags = value
		case "PURPOSE":
			ev.Purpose = value
		case "HS_STATE":
			ev.HSState = value
		case "REND_QUERY":
			ev.RendQuery = value
		case "TIME_CREATED":
			if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
				ev.TimeCreated = t
			}
		}
	}
	return ev, nil
}

func parseStreamEvent(fields []string) (*StreamEvent, error) {
	if len(fields) < 4 {
		return nil, fmt.Errorf("control: malformed STREAM event")
	}
	sid, err := strconv.ParseUint(fields[0], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("control: malformed STREAM id %q", fields[0])
	}
	cid, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("control: malformed STREAM circuit id %q", fields[2])
	}
	ev := &StreamEvent{StreamID: uint16(sid), Status: fields[1], CircuitID: uint32(cid), Target: fields[3]}
	for _, f := range fields[4:] {
		if key, value, ok := strings.Cut(f, "="); ok && key == "REASON" {
			ev.Reason = value
		}
	}
	return ev, nil
}

func parseORConnEvent(fields []string) (*ORConnEvent, error) {
	if len(fields) < 2 {
		return nil, fmt.Errorf("control: malformed ORCONN event")
	}
	ev := &ORConnEvent{Target: fields[0], Status: fields[1]}
	for _, f := range fields[2:] {
		key, value, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		switch key {
		case "REASON":
			ev.Reason = value
		case "NCIRCS":
			if n, err := strconv.Atoi(value); err == nil {
				ev.NumCircs = n
			}
		}
	}
	return ev, nil
}

func parseStatusEvent(name string, fields []string) (*StatusEvent, error) {
	if len(fields) < 2 {
		return nil, fmt.Errorf("control: malformed %s event", name)
	}
	ev := &StatusEvent{Name: name, Severity: fields[0], Action: fields[1], Args: make(map[string]string)}
	rest := strings.Join(fields[2:], " ")
	for _, m := range quotedPairPattern.FindAllStringSubmatch(rest, -1) {
		ev.Args[m[1]] = m[2]
	}
	return ev, nil
}

var knownCircStatus = map[string]bool{"LAUNCHED": true, "BUILT": true, "EXTENDED": true, "FAILED": true, "CLOSED": true}
var knownStreamStatus = map[string]bool{"NEW": true, "NEWRESOLVE": true, "REMAP": true, "SENTCONNECT": true, "SENTRESOLVE": true, "SUCCEEDED": true, "FAILED": true, "CLOSED": true, "DETACHED": true}
var knownORStatus = map[string]bool{"NEW": true, "LAUNCHED": true, "CONNECTED": true, "FAILED": true, "CLOSED": true}

// Listener receives events matching the types it was registered for.
type Listener func(Event)

// SubscriptionID identifies a registered Listener so it can later be
// removed with RemoveEventListener.
type SubscriptionID uint64

type subscription struct {
	types map[string]bool
	fn    Listener
}

// EventDispatcher queues incoming 650 events and delivers them to
// registered listeners on a worker goroutine distinct from the socket
// reader, per spec.md section 4.4/5: a slow listener must never block
// further reads.
type EventDispatcher struct {
	mu     sync.Mutex
	nextID SubscriptionID
	subs   map[SubscriptionID]*subscription

	queue chan *ControlMessage

	warnedMu sync.Mutex
	warned   map[string]bool

	logger *logger.Logger
}

func newEventDispatcher(log *logger.Logger) *EventDispatcher {
	d := &EventDispatcher{
		subs:   make(map[SubscriptionID]*subscription),
		queue:  make(chan *ControlMessage, 64),
		warned: make(map[string]bool),
		logger: log.Component("events"),
	}
	go d.worker()
	return d
}

// dispatch enqueues msg for the worker goroutine; it never blocks the
// caller on listener execution.
func (d *EventDispatcher) dispatch(msg *ControlMessage) {
	d.queue <- msg
}

func (d *EventDispatcher) worker() {
	for msg := range d.queue {
		event, err := parseEvent(msg)
		if err != nil {
			d.logger.Warn("unparseable event", "error", err)
			continue
		}
		d.warnUnknownEnum(event)

		d.mu.Lock()
		var targets []Listener
		for _, s := range d.subs {
			if s.types[string(event.Type())] {
				targets = append(targets, s.fn)
			}
		}
		d.mu.Unlock()

		for _, fn := range targets {
			fn(event)
		}
	}
}

// warnUnknownEnum logs a non-standard CircStatus/StreamStatus/ORStatus
// value once per distinct value, per spec.md section 4.4, while still
// preserving the event verbatim for delivery.
func (d *EventDispatcher) warnUnknownEnum(event Event) {
	var kind, value string
	switch e := event.(type) {
	case *CircuitEvent:
		if knownCircStatus[e.Status] {
			return
		}
		kind, value = "CircStatus", e.Status
	case *StreamEvent:
		if knownStreamStatus[e.Status] {
			return
		}
		kind, value = "StreamStatus", e.Status
	case *ORConnEvent:
		if knownORStatus[e.Status] {
			return
		}
		kind, value = "ORStatus", e.Status
	default:
		return
	}

	key := kind + ":" + value
	d.warnedMu.Lock()
	already := d.warned[key]
	d.warned[key] = true
	d.warnedMu.Unlock()
	if !already {
		d.logger.Warn("unknown enumeration value", "kind", kind, "value", value)
	}
}

func (d *EventDispatcher) subscribe(types []EventType, fn Listener) SubscriptionID {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[string(t)] = true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.subs[id] = &subscription{types: typeSet, fn: fn}
	return id
}

func (d *EventDispatcher) unsubscribe(id SubscriptionID) {
	d.mu.Lock()
	delete(d.subs, id)
	d.mu.Unlock()
}

// registeredTypes returns the union of every subscription's event types,
// sorted for deterministic SETEVENTS command text.
func (d *EventDispatcher) registeredTypes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, s := range d.subs {
		for t := range s.types {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	sortStrings(out)
	return out
}

func (d *EventDispatcher) close() {
	close(d.queue)
}

// sortStrings avoids pulling in "sort" for a handful of short-lived
// slices; event-type unions rarely exceed a dozen entries.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
