package node

import "fmt"

// CommandKind selects the lifecycle operation of a dispatch.
type CommandKind uint8

const (
	CmdReset CommandKind = iota + 1
	CmdSetParameter
	CmdReadParameter
	CmdRun
	CmdStop
	CmdUpdateRelocatable
	CmdSetBuffer
	CmdReadData
	CmdWriteData
	CmdLibrary
)

var commandNames = map[CommandKind]string{
	CmdReset:             "RESET",
	CmdSetParameter:      "SET_PARAMETER",
	CmdReadParameter:     "READ_PARAMETER",
	CmdRun:               "RUN",
	CmdStop:              "STOP",
	CmdUpdateRelocatable: "UPDATE_RELOCATABLE",
	CmdSetBuffer:         "SET_BUFFER",
	CmdReadData:          "READ_DATA",
	CmdWriteData:         "WRITE_DATA",
	CmdLibrary:           "LIBRARY",
}

func (k CommandKind) String() string {
	if s, ok := commandNames[k]; ok {
		return s
	}
	return fmt.Sprintf("COMMAND(%d)", uint8(k))
}

// Valid reports whether k is one of the defined kinds.
func (k CommandKind) Valid() bool {
	_, ok := commandNames[k]
	return ok
}

// Command is the decoded dispatch command word.
//
// Extension means warm boot on RESET and wait-for-completion on SET_PARAMETER.
type Command struct {
	Kind      CommandKind
	Preset    uint8
	Tag       uint8
	ArcCount  uint8
	Extension bool
}

// Word layout: [3:0] kind, [7:4] preset, [15:8] tag, [19:16] arc count, [20] extension.

// Encode packs the command into its wire word.
func (c Command) Encode() uint32 {
	w := uint32(c.Kind&0xF) |
		uint32(c.Preset&0xF)<<4 |
		uint32(c.Tag)<<8 |
		uint32(c.ArcCount&0xF)<<16
	if c.Extension {
		w |= 1 << 20
	}
	return w
}

// DecodeCommand unpacks a command word. Unknown kinds are rejected.
func DecodeCommand(w uint32) (Command, error) {
	c := Command{
		Kind:      CommandKind(w & 0xF),
		Preset:    uint8(w >> 4 & 0xF),
		Tag:       uint8(w >> 8),
		ArcCount:  uint8(w >> 16 & 0xF),
		Extension: w>>20&1 == 1,
	}
	if !c.Kind.Valid() {
		return Command{}, fmt.Errorf("unknown command kind %d", w&0xF)
	}
	return c, nil
}

func (c Command) String() string {
	return fmt.Sprintf("%s preset=%d tag=%d arcs=%d ext=%t", c.Kind, c.Preset, c.Tag, c.ArcCount, c.Extension)
}
