package message

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedHeader is returned when a header line lacks the ": " separator.
var ErrMalformedHeader = errors.New("malformed header line")

// Headers maps lower-cased header names to their values. Distinct names are
// serialized in first-insertion order; values keep the order they were added.
type Headers struct {
	values map[string][]string
	order  []string
}

// NewHeaders returns an empty header set.
func NewHeaders() *Headers {
	return &Headers{values: make(map[string][]string)}
}

// init makes the zero Headers usable.
func (h *Headers) init() {
	if h.values == nil {
		h.values = make(map[string][]string)
	}
}

func canonical(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Add appends value to the values of name.
func (h *Headers) Add(name, value string) {
	h.init()
	key := canonical(name)
	if _, exists := h.values[key]; !exists {
		h.order = append(h.order, key)
	}
	h.values[key] = append(h.values[key], value)
}

// Set replaces all values of name. The key keeps its original position.
func (h *Headers) Set(name string, values ...string) {
	h.init()
	key := canonical(name)
	if _, exists := h.values[key]; !exists {
		h.order = append(h.order, key)
	}
	h.values[key] = append([]string(nil), values...)
}

// Del removes name and its position in the serialization order.
func (h *Headers) Del(name string) {
	key := canonical(name)
	if _, exists := h.values[key]; !exists {
		return
	}
	delete(h.values, key)
	for i, k := range h.order {
		if k == key {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Values returns a copy of the values stored for name.
func (h *Headers) Values(name string) []string {
	vals := h.values[canonical(name)]
	if vals == nil {
		return nil
	}
	return append([]string(nil), vals...)
}

// Get returns the comma-joined values of name, or "" when absent.
func (h *Headers) Get(name string) string {
	return strings.Join(h.values[canonical(name)], ", ")
}

// Has reports whether name is present.
func (h *Headers) Has(name string) bool {
	_, ok := h.values[canonical(name)]
	return ok
}

// Keys returns the distinct names in first-insertion order.
func (h *Headers) Keys() []string {
	return append([]string(nil), h.order...)
}

// Len returns the number of distinct names.
func (h *Headers) Len() int {
	return len(h.order)
}

// AddLine parses "Name: value" and adds it. With split set, the value is also
// split on ", " so a serialized multi-value line yields its original values.
func (h *Headers) AddLine(line string, split bool) error {
	name, value, err := ParseHeaderLine(line)
	if err != nil {
		return err
	}
	if !split {
		h.Add(name, value)
		return nil
	}
	for _, v := range strings.Split(value, ", ") {
		h.Add(name, v)
	}
	return nil
}

// ParseHeaderLine splits a header line on the first ": ".
func ParseHeaderLine(line string) (name, value string, err error) {
	name, value, ok := strings.Cut(line, ": ")
	if !ok || strings.TrimSpace(name) == "" {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedHeader, line)
	}
	return name, value, nil
}

// Clone returns a deep copy.
func (h *Headers) Clone() *Headers {
	c := &Headers{
		values: make(map[string][]string, len(h.values)),
		order:  append([]string(nil), h.order...),
	}
	for k, v := range h.values {
		c.values[k] = append([]string(nil), v...)
	}
	return c
}

// String serializes every header as "name: v1, v2\r\n".
func (h *Headers) String() string {
	var sb strings.Builder
	for _, key := range h.order {
		sb.WriteString(key)
		sb.WriteString(": ")
		sb.WriteString(strings.Join(h.values[key], ", "))
		sb.WriteString("\r\n")
	}
	return sb.String()
}
