package pulse

import "pulsego/internal/tagstruct"

// SampleFormat enumerates the wire sample encodings a SampleSpec can
// carry; no conversion happens client-side, the value only needs to
// round-trip on the wire.
type SampleFormat uint8

const (
	SampleU8 SampleFormat = iota
	SampleALaw
	SampleULaw
	SampleS16LE
	SampleS16BE
	SampleFloat32LE
	SampleFloat32BE
	SampleS32LE
	SampleS32BE
	SampleS24LE
	SampleS24BE
	SampleS24In32LE
	SampleS24In32BE
)

// SampleSpec describes the format, channel count and rate of a stream.
type SampleSpec struct {
	Format   SampleFormat
	Channels uint8
	Rate     uint32
}

func (s SampleSpec) toWire() tagstruct.SampleSpec {
	return tagstruct.SampleSpec{Format: uint8(s.Format), Channels: s.Channels, Rate: s.Rate}
}

func fromWireSampleSpec(w tagstruct.SampleSpec) SampleSpec {
	return SampleSpec{Format: SampleFormat(w.Format), Channels: w.Channels, Rate: w.Rate}
}

// BytesPerFrame returns the byte size of one sample frame (one sample
// per channel), used to align memblockq reads/writes.
func (s SampleSpec) BytesPerFrame() int {
	return int(s.Channels) * s.bytesPerSample()
}

func (s SampleSpec) bytesPerSample() int {
	switch s.Format {
	case SampleU8, SampleALaw, SampleULaw:
		return 1
	case SampleS16LE, SampleS16BE:
		return 2
	case SampleS24LE, SampleS24BE:
		return 3
	case SampleS24In32LE, SampleS24In32BE, SampleS32LE, SampleS32BE, SampleFloat32LE, SampleFloat32BE:
		return 4
	default:
		return 2
	}
}

// ChannelMap assigns a speaker position to each channel; a nil/empty map
// means "let the server pick a default for the channel count."
type ChannelMap []uint8

func (c ChannelMap) toWire() tagstruct.ChannelMap { return tagstruct.ChannelMap(c) }

func fromWireChannelMap(w tagstruct.ChannelMap) ChannelMap { return ChannelMap(w) }

// CVolume is a per-channel linear volume vector.
type CVolume []uint32

// VolumeNorm is the volume value representing unattenuated 0dB gain.
const VolumeNorm uint32 = 0x10000

func (c CVolume) toWire() tagstruct.CVolume { return tagstruct.CVolume(c) }

func fromWireCVolume(w tagstruct.CVolume) CVolume { return CVolume(w) }
