package bluez

// CodecID identifies an A2DP codec: the codec type byte plus, for the
// vendor-specific codec type, the SIG vendor ID and vendor-assigned
// codec ID that together identify codecs like aptX and LDAC.
type CodecID struct {
	Codec       uint8
	VendorID    uint32
	VendorCodec uint16
}

// A2DP codec type bytes, per the A2DP profile's codec table.
const (
	CodecSBC       uint8 = 0x00
	CodecMPEG12    uint8 = 0x01
	CodecMPEG24AAC uint8 = 0x02
	CodecVendor    uint8 = 0xFF
)

// Known vendor codec IDs, assigned by the SIG.
var (
	CodecAptX   = CodecID{Codec: CodecVendor, VendorID: 0x0000004F, VendorCodec: 0x0001}
	CodecAptXHD = CodecID{Codec: CodecVendor, VendorID: 0x000000D7, VendorCodec: 0x0024}
	CodecLDAC   = CodecID{Codec: CodecVendor, VendorID: 0x0000012D, VendorCodec: 0x00AA}
)

// codecsEqual reports whether two codec IDs name the same codec:
// codec type bytes must agree, and for the vendor-extension type the
// 4-byte vendor id + 2-byte vendor-codec prefix decides; for plain codec
// types the vendor fields are not consulted.
func codecsEqual(a, b CodecID) bool {
	if a.Codec != b.Codec {
		return false
	}
	if a.Codec != CodecVendor {
		return true
	}
	return a.VendorID == b.VendorID && a.VendorCodec == b.VendorCodec
}

// EndpointConf describes one registerable A2DP endpoint.
type EndpointConf struct {
	Name      string
	ID        CodecID
	Available bool // software codec wired up in this build
}

// endpointConfs is ordered highest priority first. Only the SBC
// encoder/decoder path is wired in this build; the vendor codecs are
// listed, matched and selectable over D-Bus, but report Available=false
// so SelectConfiguration never picks them over a peer's SBC fallback.
var endpointConfs = []EndpointConf{
	{Name: "ldac", ID: CodecLDAC, Available: false},
	{Name: "aptx_hd", ID: CodecAptXHD, Available: false},
	{Name: "aptx", ID: CodecAptX, Available: false},
	{Name: "aac", ID: CodecID{Codec: CodecMPEG24AAC}, Available: false},
	{Name: "sbc", ID: CodecID{Codec: CodecSBC}, Available: true},
}

// EndpointConfs returns the registerable endpoints in priority order.
func EndpointConfs() []EndpointConf {
	out := make([]EndpointConf, len(endpointConfs))
	copy(out, endpointConfs)
	return out
}

// EndpointConfByName looks a configuration up by its codec name.
func EndpointConfByName(name string) (EndpointConf, bool) {
	for _, c := range endpointConfs {
		if c.Name == name {
			return c, true
		}
	}
	return EndpointConf{}, false
}

// IsAvailable reports whether id names a codec this build can actually
// encode/decode. isSink allows for a codec available in only one
// direction; no currently wired codec uses it.
func IsAvailable(id CodecID, isSink bool) bool {
	for _, c := range endpointConfs {
		if codecsEqual(c.ID, id) {
			return c.Available
		}
	}
	return false
}

// SelectBest returns the highest-priority available codec among
// offers, the first step of SelectConfiguration before per-codec
// capability negotiation.
func SelectBest(offers []CodecID) (EndpointConf, bool) {
	for _, conf := range endpointConfs {
		if !conf.Available {
			continue
		}
		for _, o := range offers {
			if codecsEqual(conf.ID, o) {
				return conf, true
			}
		}
	}
	return EndpointConf{}, false
}
