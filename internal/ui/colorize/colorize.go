package colorize

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// disabledOverride lets a loaded operator profile (internal/config's
// NoColor field) force colorizing off even when neither environment
// variable below is set, since a config file can't set env vars.
var disabledOverride atomic.Bool

// SetDisabled forces IsDisabled to report true regardless of the
// environment, for internal/config.Profile.NoColor.
func SetDisabled(v bool) { disabledOverride.Store(v) }

// getAssemblyLexer returns the x86-64 disassembly lexer, preferring
// nasm's Intel-syntax mnemonics (the convention the dispatcher's
// printed instructions use) over AT&T gas syntax as a fallback for a
// Chroma build that lacks the nasm lexer registered.
func getAssemblyLexer() chroma.Lexer {
	candidates := []string{"nasm", "gas", "GAS", "Gas"}
	for _, name := range candidates {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

// getDisasmStyle returns the disassembly style with fallbacks
func getDisasmStyle() *chroma.Style {
	candidates := []string{"disasm-dark", "dracula", "monokai"}
	for _, name := range candidates {
		if style := styles.Get(name); style != nil {
			return style
		}
	}
	return styles.Fallback
}

// getTerminalFormatter returns an appropriate terminal formatter
func getTerminalFormatter() chroma.Formatter {
	candidates := []string{"terminal16m", "terminal256"}
	for _, name := range candidates {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// IsDisabled returns true if colors are disabled via the profile's
// no_color setting or either environment variable.
func IsDisabled() bool {
	return disabledOverride.Load() || os.Getenv("VTMON_NO_COLOR") != "" || os.Getenv("NO_COLOR") != ""
}

// Instruction colorizes an assembly instruction using Chroma
func Instruction(insn string) string {
	if IsDisabled() {
		return insn
	}

	lexer := lexers.Get("nasm")
	if lexer == nil {
		lexer = getAssemblyLexer()
		if lexer == nil {
			return insn
		}
	}

	_ = DisasmDark // Force registration
	style := getDisasmStyle()
	formatter := getTerminalFormatter()

	iterator, err := lexer.Tokenise(nil, insn)
	if err != nil {
		return insn
	}

	var buf strings.Builder
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return insn
	}

	return strings.TrimSuffix(buf.String(), "\n")
}

// Address formats a vtable/target/return address in the same green the
// disassembly style uses for resolved addresses (HookAddress).
func Address(addr uint64) string {
	if IsDisabled() {
		return fmt.Sprintf("0x%016X", addr)
	}
	return fmt.Sprintf("\033[38;2;106;153;85m0x%016X\033[0m", addr)
}

// Tag formats a hashtag in light pink
func Tag(tag string) string {
	if IsDisabled() {
		return tag
	}
	return fmt.Sprintf("\033[38;2;255;180;200m%s\033[0m", tag)
}

// FuncName formats a demangled class/function label in the disassembly
// style's label color (HookLabel), matching how resolved symbol names
// appear inside colorized instruction text.
func FuncName(name string) string {
	if IsDisabled() {
		return name
	}
	return fmt.Sprintf("\033[38;2;220;220;170m%s\033[0m", name)
}

// Detail formats secondary detail text (sizes, counts) in the
// disassembly style's raw-byte gray (HookHexBytes).
func Detail(detail string) string {
	if IsDisabled() {
		return detail
	}
	return fmt.Sprintf("\033[38;2;128;128;128m%s\033[0m", detail)
}

// Key formats a captured key in red (high visibility)
func Key(key string) string {
	if IsDisabled() {
		return key
	}
	return fmt.Sprintf("\033[38;2;255;80;80m%s\033[0m", key)
}

// Border formats border characters in the disassembly style's
// punctuation gray.
func Border(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;128;128;128m%s\033[0m", s)
}

// Comment formats comments in the disassembly style's comment green
// (HookComment).
func Comment(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;106;153;85m%s\033[0m", s)
}

// Header formats header text in the register blue (HookRegister).
func Header(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;79;193;255m%s\033[0m", s)
}

// HexBytes formats hex opcode bytes in the disassembly style's raw-byte
// gray (HookHexBytes).
func HexBytes(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;128;128;128m%s\033[0m", s)
}

// Error formats error messages in amber, the same hue the disassembly
// style uses for immediates (HookNumber) — distinct from FuncName's
// label color so CLI error text never gets mistaken for a resolved
// symbol when both appear in the same stream.
func Error(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;206;145;120m%s\033[0m", s)
}

// String formats string values in the disassembly style's string amber
// (HookString).
func String(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;206;145;120m%s\033[0m", s)
}
