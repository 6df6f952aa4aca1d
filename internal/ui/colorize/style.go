// Package colorize provides syntax highlighting for disassembly output.
package colorize

import (
	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/styles"
)

func init() {
	// Register our custom disassembly style on package initialization
	_ = DisasmDark
}

// x86-64 disassembly theme colors, tuned for the nasm/gas mnemonic and
// register spelling this lexer actually tokenizes (rax/rcx/rsp, not the
// arm64 sp/lr set).
const (
	HookAddress  = "#6A9955" // Green for vtable/slot addresses
	HookMnemonic = "#D4D4D4" // Light gray for mnemonics
	HookRegister = "#4FC1FF" // Blue for GP registers (rax..r15)
	HookNumber   = "#CE9178" // Amber for immediates/displacements
	HookLabel    = "#DCDCAA" // Pale yellow for resolved symbol labels
	HookComment  = "#6A9955" // Green for comments
	HookString   = "#CE9178" // Amber for string literals
	HookHexBytes = "#808080" // Gray for raw opcode bytes
)

// DisasmDark is the stub-and-trampoline disassembly style: a muted,
// low-saturation palette meant for long-running terminal sessions
// rather than the high-contrast "decompiler window" look, since a hook
// session scrolls continuously instead of being read one screen at a
// time.
var DisasmDark = styles.Register(chroma.MustNewStyle("disasm-dark", chroma.StyleEntries{
	chroma.Text:           "#D4D4D4",
	chroma.Background:     "bg:#1E1E1E",
	chroma.Comment:        HookComment,
	chroma.CommentPreproc: HookComment,

	// nasm/gas lexer mappings.
	chroma.Keyword:       HookMnemonic,
	chroma.KeywordPseudo: HookMnemonic,
	chroma.Name:          HookRegister,
	chroma.NameBuiltin:   HookRegister,
	chroma.NameVariable:  HookRegister,

	chroma.LiteralNumber:        HookNumber,
	chroma.LiteralNumberHex:     HookNumber,
	chroma.LiteralNumberBin:     HookNumber,
	chroma.LiteralNumberOct:     HookNumber,
	chroma.LiteralNumberInteger: HookNumber,
	chroma.LiteralNumberFloat:   HookNumber,

	chroma.NameLabel:    HookLabel,
	chroma.NameFunction: HookMnemonic,

	chroma.Operator:    HookMnemonic,
	chroma.Punctuation: "#808080",

	chroma.String: HookString,
}))
