package core

import (
	"sync/atomic"

	"pkt.systems/shellvisor/schema"
)

// IDSource hands out monotonically increasing command ids.
type IDSource struct {
	last atomic.Int64
}

// NewIDSource returns a source whose first id is start+1.
func NewIDSource(start int64) *IDSource {
	s := &IDSource{}
	s.last.Store(start)
	return s
}

// Next returns the next command id.
func (s *IDSource) Next() schema.CommandID {
	return schema.CommandID(s.last.Add(1))
}
