// Package program tracks the present and following programs, the service
// identity and the network clock of a broadcast.
package program

import (
	"time"

	"github.com/zsiec/mmtview/internal/mmt"
)

// Program is the metadata of one EIT event. Nil fields are unknown.
type Program struct {
	EventID    *uint16    `json:"event_id"`
	StartTime  *time.Time `json:"start_time"`
	Duration   *int       `json:"duration"`
	FreeCAMode *bool      `json:"free_ca_mode"`
	Name       *string    `json:"name"`
	Desc       *string    `json:"desc"`
}

// Info is the current event information of a service.
type Info struct {
	OriginalNetworkID uint16  `json:"original_network_id"`
	TLVStreamID       uint16  `json:"tlv_stream_id"`
	ServiceID         uint16  `json:"service_id"`
	Present           Program `json:"present"`
	Following         Program `json:"following"`
}

// Tracker maintains Info from EIT p/f and SDT sections. Deduplication of
// sections is the caller's job. It is not safe for concurrent use.
type Tracker struct {
	info Info
	ntp  *time.Time
}

// NewTracker creates a Tracker with every program field unknown.
func NewTracker() *Tracker {
	return &Tracker{}
}

// ApplyEIT applies one EIT section. Only present/following sections 0
// (present) and 1 (following) are used. It returns a snapshot after each
// event entry applied.
func (t *Tracker) ApplyEIT(tbl *mmt.EventInformationTable) []Info {
	if tbl.TableID != mmt.EITPresentFollowing {
		return nil
	}
	var p *Program
	switch tbl.SectionNumber {
	case 0:
		p = &t.info.Present
	case 1:
		p = &t.info.Following
	default:
		return nil
	}
	var out []Info
	for i := range tbl.Events {
		applyEvent(p, &tbl.Events[i])
		out = append(out, t.Current())
	}
	return out
}

func applyEvent(p *Program, e *mmt.EITEvent) {
	if p.EventID == nil || *p.EventID != e.EventID {
		*p = Program{}
	}
	id := e.EventID
	p.EventID = &id
	p.StartTime = nil
	if e.StartTime != nil {
		st := mmt.MJDBCDToTime(*e.StartTime)
		p.StartTime = &st
	}
	p.Duration = nil
	if e.Duration != nil {
		d := mmt.BCDDurationSeconds(*e.Duration)
		p.Duration = &d
	}
	free := e.FreeCAMode
	p.FreeCAMode = &free
	if se, ok := mmt.FindDescriptor[*mmt.ShortEventDescriptor](e.Descriptors); ok {
		name, desc := string(se.EventName), string(se.Text)
		p.Name = &name
		p.Desc = &desc
	}
}

// ApplySDT applies an SDT section and reports whether it was used. Only the
// actual-stream table is used, and the service id is taken from its first
// service: a receiver follows a single service.
func (t *Tracker) ApplySDT(tbl *mmt.ServiceDescriptionTable) bool {
	if tbl.TableID != mmt.SDTActual {
		return false
	}
	t.info.OriginalNetworkID = tbl.OriginalNetworkID
	t.info.TLVStreamID = tbl.TLVStreamID
	if len(tbl.Services) > 0 {
		t.info.ServiceID = tbl.Services[0].ServiceID
	}
	return true
}

// ApplyNTP records a network clock sample and returns its time.
func (t *Tracker) ApplyNTP(s mmt.NTPSample) time.Time {
	ts := mmt.NTP64ToTime(s.TransmitTimestamp)
	t.ntp = &ts
	return ts
}

// Clock returns the last network clock sample, if any.
func (t *Tracker) Clock() (time.Time, bool) {
	if t.ntp == nil {
		return time.Time{}, false
	}
	return *t.ntp, true
}

// Current returns a copy of the current Info.
func (t *Tracker) Current() Info {
	return t.info
}

// BroadcasterMap maps service ids to broadcaster ids from the service list
// descriptors of a BIT section.
func BroadcasterMap(tbl *mmt.BroadcasterInformationTable) map[uint16]uint8 {
	m := make(map[uint16]uint8)
	for _, b := range tbl.Broadcasters {
		for _, d := range b.Descriptors {
			sl, ok := d.(*mmt.ServiceListDescriptor)
			if !ok {
				continue
			}
			for _, s := range sl.Services {
				m[s.ServiceID] = b.BroadcasterID
			}
		}
	}
	return m
}
