package services

import "fmt"

// Group addresses a family of services.
type Group uint8

const (
	GroupInternal Group = iota
	GroupControl
	GroupConversion
	GroupStdlib
	GroupMath
	GroupDSP
	GroupDeepLearning
	GroupAudio
	GroupImage
)

var groupNames = [...]string{
	GroupInternal:     "internal",
	GroupControl:      "control",
	GroupConversion:   "conversion",
	GroupStdlib:       "stdlib",
	GroupMath:         "math",
	GroupDSP:          "dsp",
	GroupDeepLearning: "deep-learning",
	GroupAudio:        "audio",
	GroupImage:        "image",
}

func (g Group) String() string {
	if int(g) < len(groupNames) {
		return groupNames[g]
	}
	return fmt.Sprintf("group(%d)", uint8(g))
}

// Word is a decoded service call word.
//
//	[3:0] command  [7:4] option  [15:8] tag  [27:16] function  [31:28] group
type Word struct {
	Command  uint8
	Option   uint8
	Tag      uint8
	Function uint16
	Group    Group
}

// Encode packs w. Fields wider than their slot are truncated.
func (w Word) Encode() uint32 {
	return uint32(w.Command&0xF) |
		uint32(w.Option&0xF)<<4 |
		uint32(w.Tag)<<8 |
		uint32(w.Function&0xFFF)<<16 |
		uint32(w.Group&0xF)<<28
}

// DecodeWord unpacks a service call word.
func DecodeWord(v uint32) Word {
	return Word{
		Command:  uint8(v & 0xF),
		Option:   uint8(v >> 4 & 0xF),
		Tag:      uint8(v >> 8),
		Function: uint16(v >> 16 & 0xFFF),
		Group:    Group(v >> 28),
	}
}

func (w Word) String() string {
	return fmt.Sprintf("%s/%#x cmd=%d opt=%d tag=%d", w.Group, w.Function, w.Command, w.Option, w.Tag)
}

// Functions of the internal group.
const (
	FuncTime    uint16 = 0x01
	FuncDebug   uint16 = 0x02
	FuncVersion uint16 = 0x03

	// Arc primitives, served by the script node itself.
	FuncArcAvailable uint16 = 0x10
	FuncArcFree      uint16 = 0x11
	FuncArcRead      uint16 = 0x12
	FuncArcWrite     uint16 = 0x13
	FuncArcFlags     uint16 = 0x14
)

// IsArcPrimitive reports whether w addresses an arc primitive.
func (w Word) IsArcPrimitive() bool {
	return w.Group == GroupInternal && w.Function >= FuncArcAvailable && w.Function <= FuncArcFlags
}
