// Package protocol defines the lifecycle messages a test runner streams to its
// controller, and the line-oriented text codec used to put them on the wire.
package protocol

import (
	"strconv"
	"time"
)

// MessageType discriminates lifecycle messages
type MessageType string

const (
	TypeReporterAttached MessageType = "reporterAttached"
	TypeSuiteStarted     MessageType = "suiteStarted"
	TypeSuiteFinished    MessageType = "suiteFinished"
	TypeTestStarted      MessageType = "testStarted"
	TypeTestFinished     MessageType = "testFinished"
	TypeTestFailed       MessageType = "testFailed"
	TypeTestIgnored      MessageType = "testIgnored"
	TypeError            MessageType = "error"
)

var messageTypes = map[MessageType]bool{
	TypeReporterAttached: true,
	TypeSuiteStarted:     true,
	TypeSuiteFinished:    true,
	TypeTestStarted:      true,
	TypeTestFinished:     true,
	TypeTestFailed:       true,
	TypeTestIgnored:      true,
	TypeError:            true,
}

// IsValid reports whether t is a known message type
func (t MessageType) IsValid() bool {
	return messageTypes[t]
}

// AttributeKey is one of the fixed attribute names a message may carry
type AttributeKey string

const (
	AttrName     AttributeKey = "name"
	AttrLocation AttributeKey = "location"
	AttrDuration AttributeKey = "duration" // milliseconds, decimal
	AttrMessage  AttributeKey = "message"
	AttrTrace    AttributeKey = "trace"
	AttrDetails  AttributeKey = "details"
)

var attributeKeys = map[AttributeKey]bool{
	AttrName:     true,
	AttrLocation: true,
	AttrDuration: true,
	AttrMessage:  true,
	AttrTrace:    true,
	AttrDetails:  true,
}

// IsValid reports whether k is a known attribute key
func (k AttributeKey) IsValid() bool {
	return attributeKeys[k]
}

// Attribute is one name/value pair of a message payload
type Attribute struct {
	Key   AttributeKey
	Value string
}

// Message is one event in the runner to controller stream. Attribute order carries
// no meaning but is kept stable so logs diff cleanly.
type Message struct {
	Type       MessageType
	Attributes []Attribute
}

// Get returns the value of the first attribute with the given key
func (m Message) Get(key AttributeKey) (string, bool) {
	for _, a := range m.Attributes {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// Name returns the name attribute, or ""
func (m Message) Name() string {
	v, _ := m.Get(AttrName)
	return v
}

// Duration returns the duration attribute parsed as milliseconds
func (m Message) Duration() (time.Duration, bool) {
	v, ok := m.Get(AttrDuration)
	if !ok {
		return 0, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// Equal compares type and attributes in order
func (m Message) Equal(o Message) bool {
	if m.Type != o.Type || len(m.Attributes) != len(o.Attributes) {
		return false
	}
	for i := range m.Attributes {
		if m.Attributes[i] != o.Attributes[i] {
			return false
		}
	}
	return true
}

func formatMillis(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return strconv.FormatInt(d.Milliseconds(), 10)
}

func ReporterAttached() Message {
	return Message{Type: TypeReporterAttached}
}

func SuiteStarted(name string) Message {
	return Message{Type: TypeSuiteStarted, Attributes: []Attribute{{AttrName, name}}}
}

func SuiteFinished(name string) Message {
	return Message{Type: TypeSuiteFinished, Attributes: []Attribute{{AttrName, name}}}
}

func TestStarted(name, location string) Message {
	return Message{Type: TypeTestStarted, Attributes: []Attribute{
		{AttrName, name},
		{AttrLocation, location},
	}}
}

func TestFinished(name string, duration time.Duration) Message {
	return Message{Type: TypeTestFinished, Attributes: []Attribute{
		{AttrName, name},
		{AttrDuration, formatMillis(duration)},
	}}
}

func TestFailed(name string, duration time.Duration, message, trace string) Message {
	return Message{Type: TypeTestFailed, Attributes: []Attribute{
		{AttrName, name},
		{AttrDuration, formatMillis(duration)},
		{AttrMessage, message},
		{AttrTrace, trace},
	}}
}

func TestIgnored(name string) Message {
	return Message{Type: TypeTestIgnored, Attributes: []Attribute{{AttrName, name}}}
}

// Error reports a runner-level failure, not a failing test
func Error(message, details string) Message {
	return Message{Type: TypeError, Attributes: []Attribute{
		{AttrMessage, message},
		{AttrDetails, details},
	}}
}
