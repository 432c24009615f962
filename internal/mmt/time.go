package mmt

import "time"

// JST is the zone MJD+BCD times are broadcast in.
var JST = time.FixedZone("JST", 9*60*60)

const ntpUnixOffset = 2208988800

func bcd(b byte) int {
	return int(b>>4)*10 + int(b&0x0f)
}

// MJDBCDToTime converts a 40-bit time field: a 16-bit modified Julian day
// followed by hours, minutes and seconds in BCD, local to JST.
func MJDBCDToTime(b [5]byte) time.Time {
	mjd := int(b[0])<<8 | int(b[1])
	d := time.Date(1858, time.November, 17, 0, 0, 0, 0, JST).AddDate(0, 0, mjd)
	return d.Add(time.Duration(bcd(b[2]))*time.Hour +
		time.Duration(bcd(b[3]))*time.Minute +
		time.Duration(bcd(b[4]))*time.Second)
}

// BCDDurationSeconds converts a 24-bit hh:mm:ss BCD duration to seconds.
func BCDDurationSeconds(b [3]byte) int {
	return bcd(b[0])*3600 + bcd(b[1])*60 + bcd(b[2])
}

// NTP64ToTime converts a 64-bit NTP timestamp (seconds since 1900 in the
// high word, binary fraction in the low word).
func NTP64ToTime(ts uint64) time.Time {
	sec := int64(ts>>32) - ntpUnixOffset
	frac := ts & 0xffffffff
	nsec := int64((frac * 1_000_000_000) >> 32)
	return time.Unix(sec, nsec).UTC()
}

// Seconds returns the presentation time in seconds.
func (t MPUTimestamp) Seconds() float64 {
	return t.PresentationTime.Float()
}
