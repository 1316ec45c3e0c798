// Package bpf describes the records shared between the compiled probe
// programs and the Go side.
package bpf

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// EventsMap is the name of the ring buffer map every probe object exports.
const EventsMap = "events"

// RawEventSize is the size in bytes of a RawEvent on the wire.
const RawEventSize = 32

// RawEvent matches struct probe_event in the probe programs:
//
//	struct probe_event {
//	        __u32 site;
//	        __u32 cpu;
//	        __u64 key;
//	        __u64 ts;
//	        __u64 len;
//	};
type RawEvent struct {
	Site      uint32 // site id passed as the attach cookie, SiteTC* marker for tc programs
	CPU       uint32 // bpf_get_smp_processor_id()
	Key       uint64 // correlation key or entity id
	Timestamp uint64 // bpf_ktime_get_ns()
	Length    uint64 // skb->len for tc programs, 0 otherwise
}

// Decode parses a ring buffer sample into e.
func (e *RawEvent) Decode(sample []byte) error {
	if len(sample) < RawEventSize {
		return fmt.Errorf("short sample: %d bytes, want %d", len(sample), RawEventSize)
	}
	return binary.Read(bytes.NewReader(sample), binary.LittleEndian, e)
}

// Encode appends the wire form of e to b.
func (e *RawEvent) Encode(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, e.Site)
	b = binary.LittleEndian.AppendUint32(b, e.CPU)
	b = binary.LittleEndian.AppendUint64(b, e.Key)
	b = binary.LittleEndian.AppendUint64(b, e.Timestamp)
	return binary.LittleEndian.AppendUint64(b, e.Length)
}

// Site markers written by tc programs, which have no attach cookie. The
// loader maps them to the site of the interface in Key.
const (
	SiteTCIngress uint32 = 0xfffffffe
	SiteTCEgress  uint32 = 0xfffffffd
)
