// Package proto holds the wire-level constants shared by pstream,
// pdispatch, context and stream: command IDs, the protocol version
// table, and seek-mode / subscription-mask values.
package proto

// Command IDs. Unsolicited-event commands and request/reply commands
// share one numbering space; the dispatcher routes unsolicited ones via
// a static table indexed by command id.
const (
	CommandError uint32 = iota
	CommandTimeout
	CommandReply

	CommandCreatePlaybackStream
	CommandDeletePlaybackStream
	CommandCreateRecordStream
	CommandDeleteRecordStream
	CommandCreateUploadStream
	CommandDeleteSample
	CommandFinishUploadStream
	CommandPlaySample

	CommandAuth
	CommandSetClientName
	CommandExit

	CommandRequest
	CommandOverflow
	CommandUnderflow
	CommandPlaybackStreamKilled
	CommandRecordStreamKilled
	CommandPlaybackStreamMoved
	CommandRecordStreamMoved
	CommandPlaybackStreamSuspended
	CommandRecordStreamSuspended
	CommandPlaybackStreamStarted
	CommandPlaybackBufferAttrChanged
	CommandRecordBufferAttrChanged
	CommandPlaybackStreamEvent
	CommandRecordStreamEvent

	CommandCorkPlaybackStream
	CommandFlushPlaybackStream
	CommandTriggerPlaybackStream
	CommandPrebufPlaybackStream
	CommandCorkRecordStream
	CommandFlushRecordStream

	CommandGetPlaybackLatency
	CommandGetRecordLatency

	CommandSubscribe
	CommandSubscribeEvent

	CommandGetSinkInfo
	CommandGetSinkInfoList
	CommandGetSourceInfo
	CommandGetSourceInfoList
	CommandGetClientInfo
	CommandGetClientInfoList
	CommandGetSinkInputInfo
	CommandGetSinkInputInfoList

	CommandSetConfiguration
	CommandSelectConfiguration
	CommandClearConfiguration
	CommandRelease
)

// ProtocolVersion is the native protocol version this client speaks.
// MinProtocolVersion is the oldest version a peer may negotiate down to.
const (
	ProtocolVersion    uint32 = 32
	MinProtocolVersion uint32 = 8
)

// Version gates for optional command fields; per-command field
// presence is keyed strictly off the negotiated version number.
const (
	// VersionPropList is the first version carrying property lists instead
	// of raw name strings in SET_CLIENT_NAME and stream create commands.
	VersionPropList uint32 = 13
	// VersionEarlyRequests is the first version carrying the stream
	// feature bits introduced alongside early-requests support.
	VersionEarlyRequests uint32 = 13
	// VersionBytesSinceUnderrun is the first version whose latency replies
	// carry bytes-since-underrun / bytes-since-playing-started fields.
	VersionBytesSinceUnderrun uint32 = 13
	// VersionVariableRate is the first version supporting the
	// variable-rate stream feature bit.
	VersionVariableRate uint32 = 12
	// VersionPeakDetect is the first version supporting the peak-detect
	// stream feature bit.
	VersionPeakDetect uint32 = 11
	// VersionAdjustLatency is the first version supporting the
	// adjust-latency stream feature bit.
	VersionAdjustLatency uint32 = 9
)

// SeekMode values for pstream audio frames and Stream.Write.
type SeekMode uint32

const (
	SeekRelative SeekMode = iota
	SeekAbsolute
	SeekRelativeOnRead
	SeekRelativeOnEnd
)

// ControlChannel is the frame-descriptor channel value that marks a frame
// as carrying a control packet rather than audio.
const ControlChannel uint32 = 0xFFFFFFFF

// InvalidIndex marks an absent device/stream index field on the wire.
const InvalidIndex uint32 = 0xFFFFFFFF

// SubscriptionMask selects which server-wide event categories a client
// wants delivered after Context.Subscribe.
type SubscriptionMask uint32

const (
	SubscriptionSink SubscriptionMask = 1 << iota
	SubscriptionSource
	SubscriptionSinkInput
	SubscriptionSourceOutput
	SubscriptionClient
	SubscriptionAll = SubscriptionSink | SubscriptionSource | SubscriptionSinkInput | SubscriptionSourceOutput | SubscriptionClient
)
