package pulse

import "pulsego/internal/tagstruct"

// PropList is a string-keyed bag of client/stream metadata (application
// name, icon, media role,...), sent with SET_CLIENT_NAME and stream
// create commands from protocol version 13 onward (proto.VersionPropList).
type PropList map[string]string

func (p PropList) toWire() tagstruct.PropList {
	w := make(tagstruct.PropList, len(p))
	for k, v := range p {
		w[k] = append([]byte(v), 0) // PulseAudio proplist values are NUL-terminated strings on the wire
	}
	return w
}

func fromWirePropList(w tagstruct.PropList) PropList {
	p := make(PropList, len(w))
	for k, v := range w {
		if len(v) > 0 && v[len(v)-1] == 0 {
			v = v[:len(v)-1]
		}
		p[k] = string(v)
	}
	return p
}
