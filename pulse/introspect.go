package pulse

import (
	"pulsego/internal/proto"
	"pulsego/internal/tagstruct"
)

// SinkInfo carries the subset of a GET_SINK_INFO(_LIST) reply this
// client exposes.
type SinkInfo struct {
	Index      uint32
	Name       string
	SampleSpec SampleSpec
	ChannelMap ChannelMap
	Volume     CVolume
	Muted      bool
}

// SourceInfo is the source-side counterpart of SinkInfo.
type SourceInfo struct {
	Index      uint32
	Name       string
	SampleSpec SampleSpec
	ChannelMap ChannelMap
	Volume     CVolume
	Muted      bool
}

// ClientInfo describes one connected client, as returned by
// GET_CLIENT_INFO(_LIST).
type ClientInfo struct {
	Index uint32
	Name  string
	Props PropList
}

// SinkInputInfo describes one playback stream attached to a sink.
type SinkInputInfo struct {
	Index      uint32
	Name       string
	SinkIndex  uint32
	ClientIdx  uint32
	SampleSpec SampleSpec
	Volume     CVolume
	Muted      bool
}

func decodeSinkInfo(r *tagstruct.Reader) (SinkInfo, error) {
	var info SinkInfo
	idx, err := r.GetU32()
	if err != nil {
		return info, err
	}
	name, _, err := r.GetString()
	if err != nil {
		return info, err
	}
	if _, _, err := r.GetString(); err != nil { // description, unused
		return info, err
	}
	ss, err := r.GetSampleSpec()
	if err != nil {
		return info, err
	}
	cm, err := r.GetChannelMap()
	if err != nil {
		return info, err
	}
	if _, err := r.GetU32(); err != nil { // module index, unused
		return info, err
	}
	vol, err := r.GetCVolume()
	if err != nil {
		return info, err
	}
	muted, err := r.GetBool()
	if err != nil {
		return info, err
	}
	info.Index = idx
	info.Name = name
	info.SampleSpec = fromWireSampleSpec(ss)
	info.ChannelMap = fromWireChannelMap(cm)
	info.Volume = fromWireCVolume(vol)
	info.Muted = muted
	return info, nil
}

// GetSinkInfoList requests the server's full sink list. onResult is
// invoked once (possibly with a nil slice on failure) before the
// returned operation transitions to Done.
func (c *Context) GetSinkInfoList(onResult func([]SinkInfo)) *Operation {
	return c.infoListOperation(proto.CommandGetSinkInfoList, func(r *tagstruct.Reader) (any, error) {
		return decodeSinkInfo(r)
	}, func(items []any) {
		out := make([]SinkInfo, 0, len(items))
		for _, it := range items {
			out = append(out, it.(SinkInfo))
		}
		onResult(out)
	})
}

func decodeSourceInfo(r *tagstruct.Reader) (SourceInfo, error) {
	var info SourceInfo
	idx, err := r.GetU32()
	if err != nil {
		return info, err
	}
	name, _, err := r.GetString()
	if err != nil {
		return info, err
	}
	if _, _, err := r.GetString(); err != nil {
		return info, err
	}
	ss, err := r.GetSampleSpec()
	if err != nil {
		return info, err
	}
	cm, err := r.GetChannelMap()
	if err != nil {
		return info, err
	}
	if _, err := r.GetU32(); err != nil {
		return info, err
	}
	vol, err := r.GetCVolume()
	if err != nil {
		return info, err
	}
	muted, err := r.GetBool()
	if err != nil {
		return info, err
	}
	info.Index = idx
	info.Name = name
	info.SampleSpec = fromWireSampleSpec(ss)
	info.ChannelMap = fromWireChannelMap(cm)
	info.Volume = fromWireCVolume(vol)
	info.Muted = muted
	return info, nil
}

// GetSourceInfoList requests the server's full source list.
func (c *Context) GetSourceInfoList(onResult func([]SourceInfo)) *Operation {
	return c.infoListOperation(proto.CommandGetSourceInfoList, func(r *tagstruct.Reader) (any, error) {
		return decodeSourceInfo(r)
	}, func(items []any) {
		out := make([]SourceInfo, 0, len(items))
		for _, it := range items {
			out = append(out, it.(SourceInfo))
		}
		onResult(out)
	})
}

func decodeClientInfo(r *tagstruct.Reader) (ClientInfo, error) {
	var info ClientInfo
	idx, err := r.GetU32()
	if err != nil {
		return info, err
	}
	name, _, err := r.GetString()
	if err != nil {
		return info, err
	}
	wp, err := r.GetPropList()
	if err != nil {
		return info, err
	}
	info.Index = idx
	info.Name = name
	info.Props = fromWirePropList(wp)
	return info, nil
}

// GetClientInfoList requests the server's full connected-client list.
func (c *Context) GetClientInfoList(onResult func([]ClientInfo)) *Operation {
	return c.infoListOperation(proto.CommandGetClientInfoList, func(r *tagstruct.Reader) (any, error) {
		return decodeClientInfo(r)
	}, func(items []any) {
		out := make([]ClientInfo, 0, len(items))
		for _, it := range items {
			out = append(out, it.(ClientInfo))
		}
		onResult(out)
	})
}

func decodeSinkInputInfo(r *tagstruct.Reader) (SinkInputInfo, error) {
	var info SinkInputInfo
	idx, err := r.GetU32()
	if err != nil {
		return info, err
	}
	name, _, err := r.GetString()
	if err != nil {
		return info, err
	}
	clientIdx, err := r.GetU32()
	if err != nil {
		return info, err
	}
	sinkIdx, err := r.GetU32()
	if err != nil {
		return info, err
	}
	ss, err := r.GetSampleSpec()
	if err != nil {
		return info, err
	}
	if _, err := r.GetChannelMap(); err != nil {
		return info, err
	}
	vol, err := r.GetCVolume()
	if err != nil {
		return info, err
	}
	muted, err := r.GetBool()
	if err != nil {
		return info, err
	}
	info.Index = idx
	info.Name = name
	info.ClientIdx = clientIdx
	info.SinkIndex = sinkIdx
	info.SampleSpec = fromWireSampleSpec(ss)
	info.Volume = fromWireCVolume(vol)
	info.Muted = muted
	return info, nil
}

// GetSinkInputInfoList requests the server's full sink-input
// (playback-stream) list.
func (c *Context) GetSinkInputInfoList(onResult func([]SinkInputInfo)) *Operation {
	return c.infoListOperation(proto.CommandGetSinkInputInfoList, func(r *tagstruct.Reader) (any, error) {
		return decodeSinkInputInfo(r)
	}, func(items []any) {
		out := make([]SinkInputInfo, 0, len(items))
		for _, it := range items {
			out = append(out, it.(SinkInputInfo))
		}
		onResult(out)
	})
}

// infoListOperation is the shared tail of every GET_*_INFO_LIST query:
// a LIST reply is a sequence of entries, each decoded by decode, until a
// final empty/EOF reply marks the end.
func (c *Context) infoListOperation(cmd uint32, decode func(*tagstruct.Reader) (any, error), deliver func([]any)) *Operation {
	if err := c.guard("introspect"); err != nil {
		deliver(nil)
		return failedOperation()
	}
	w := tagstruct.NewCommand(cmd, 0)

	op := newOperation(nil)
	c.trackOperation(op)
	c.disp.SendCommand(w, func(command uint32, r *tagstruct.Reader) {
		c.loop.Post(func() {
			defer func() { c.untrackOperation(op); op.finish() }()
			if command != proto.CommandReply {
				deliver(nil)
				return
			}
			var items []any
			for !r.EOF() {
				item, err := decode(r)
				if err != nil {
					break
				}
				items = append(items, item)
			}
			deliver(items)
		})
	})
	return op
}
