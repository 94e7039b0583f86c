package common

const (
	ColorReset   = "\033[0m"
	ColorRed     = "\033[31m"
	ColorGreen   = "\033[32m"
	ColorBlue    = "\033[34m"
	ColorYellow  = "\033[33m"
	ColorMagenta = "\033[35m"
	ColorCyan    = "\033[36m"
	ColorGray    = "\033[90m"
)

// Colorize wraps s in an ANSI color when enabled.
func Colorize(enabled bool, color, s string) string {
	if !enabled || color == "" {
		return s
	}
	return color + s + ColorReset
}
