package frame

import "fmt"

// Command is the four-character command code in the first header word.
type Command uint32

const (
	CmdSync Command = 0x434e5953
	CmdCnxn Command = 0x4e584e43
	CmdOpen Command = 0x4e45504f
	CmdOkay Command = 0x59414b4f
	CmdClse Command = 0x45534c43
	CmdWrte Command = 0x45545257
	CmdAuth Command = 0x48545541
	CmdStls Command = 0x534c5453
)

func (c Command) String() string {
	switch c {
	case CmdSync, CmdCnxn, CmdOpen, CmdOkay, CmdClse, CmdWrte, CmdAuth, CmdStls:
		return string([]byte{byte(c), byte(c >> 8), byte(c >> 16), byte(c >> 24)})
	default:
		return fmt.Sprintf("cmd(%#08x)", uint32(c))
	}
}

// Known reports whether c is one of the protocol's command codes.
func (c Command) Known() bool {
	switch c {
	case CmdSync, CmdCnxn, CmdOpen, CmdOkay, CmdClse, CmdWrte, CmdAuth, CmdStls:
		return true
	}
	return false
}
