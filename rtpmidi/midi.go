package rtpmidi

// MIDI channel-voice and system status bytes that this package needs
// to know the trailing data-byte count for when walking a command
// list. Values mirror the MIDI 1.0 spec; channel messages are keyed by
// their high nibble (the low nibble carries the channel number).
const (
	statusNoteOff         = 0x80
	statusNoteOn          = 0x90
	statusPolyAftertouch  = 0xa0
	statusControlChange   = 0xb0
	statusProgramChange   = 0xc0
	statusChannelPressure = 0xd0
	statusPitchBend       = 0xe0

	statusSysExStart   = 0xf0
	statusQuarterFrame = 0xf1
	statusSongPosition = 0xf2
	statusSongSelect   = 0xf3
	statusTuneRequest  = 0xf6
	statusClock        = 0xf8
	statusStart        = 0xfa
	statusContinue     = 0xfb
	statusStop         = 0xfc
	statusActiveSense  = 0xfe
	statusReset        = 0xff
)

// trailingDataBytes maps a status byte to how many data bytes follow
// it. System-exclusive (statusSysExStart) is not listed here: its
// length is determined by scanning for the 0xf7 terminator, handled
// separately in decodeCommandList.
var trailingDataBytes = map[byte]int{
	statusNoteOff:         2,
	statusNoteOn:          2,
	statusPolyAftertouch:  2,
	statusControlChange:   2,
	statusProgramChange:   1,
	statusChannelPressure: 1,
	statusPitchBend:       2,

	statusQuarterFrame: 1,
	statusSongPosition: 2,
	statusSongSelect:   1,
	statusTuneRequest:  0,
	statusClock:        0,
	statusStart:        0,
	statusContinue:     0,
	statusStop:         0,
	statusActiveSense:  0,
	statusReset:        0,
}

// dataLength returns how many data bytes trail status, accounting for
// running status (channel messages are looked up by their high nibble).
func dataLength(status byte) int {
	if n, ok := trailingDataBytes[status]; ok {
		return n
	}
	if n, ok := trailingDataBytes[status&0xf0]; ok {
		return n
	}
	return 0
}
