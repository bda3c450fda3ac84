package util

import (
	"errors"
	"fmt"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"strconv"
	"strings"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50

	// EnvPrefix is the prefix of all environment variables read by memdb (MEMDB_<FLAG>)
	EnvPrefix = "memdb"
)

// ErrInvalidPort is returned by ParsePort for anything but a plain decimal port in [1, 65535]
var ErrInvalidPort = errors.New("invalid port")

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// ParsePort parses a TCP port. Only decimal digits without sign, whitespace or leading
// zero are accepted, and the value must be in [1, 65535].
func ParsePort(s string) (int, error) {
	if s == "" || len(s) > 5 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPort, s)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: %q (only digits allowed)", ErrInvalidPort, s)
		}
	}
	if s[0] == '0' {
		return 0, fmt.Errorf("%w: %q (leading zero)", ErrInvalidPort, s)
	}

	port, err := strconv.Atoi(s)
	if err != nil || port > 65535 {
		return 0, fmt.Errorf("%w: %q (must be between 1 and 65535)", ErrInvalidPort, s)
	}
	return port, nil
}

// InitConfig loads .env files and sets up viper to read MEMDB_* environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}
