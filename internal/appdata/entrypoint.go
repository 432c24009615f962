package appdata

import "github.com/zsiec/mmtview/internal/mmt"

// EntryPoint returns the path of the autostart application's initial
// document: the URL base of its MMT non-timed transport protocol joined
// with its simple application location. It reports false when there is no
// autostart application or either part is missing.
func EntryPoint(ait *mmt.ApplicationInformationTable) (string, bool) {
	for i := range ait.Applications {
		app := &ait.Applications[i]
		if app.ControlCode != mmt.ApplicationControlAutostart {
			continue
		}
		var base, initial *string
		for _, d := range app.Descriptors {
			switch d := d.(type) {
			case *mmt.SimpleApplicationLocationDescriptor:
				p := string(d.InitialPath)
				initial = &p
			case *mmt.TransportProtocolDescriptor:
				if d.ProtocolID == mmt.TransportProtocolMMTNonTimed && len(d.URLSelectors) > 0 {
					b := string(d.URLSelectors[0].URLBase)
					base = &b
				}
			}
		}
		if base == nil || initial == nil {
			return "", false
		}
		return joinSegments(*base, *initial), true
	}
	return "", false
}
