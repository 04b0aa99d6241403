package utils

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// Colors
	Reset        = "\033[0m"
	Purple       = "\033[35m"
	DarkGray     = "\033[90m"
	Neutral      = "\033[37m" // Light gray
	LabelColor   = "\033[97m" // White
	SuccessColor = "\033[32m" // Green
	ErrorColor   = "\033[31m" // Red
)

func NewLogger(level string, development bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

type Summary struct {
	Name    string
	Type    string
	Rounds  int
	Result  string
	Success bool
	Elapsed time.Duration
}

// FormatSummary renders the one-line colored completion record.
func FormatSummary(s Summary) string {
	resultColor := SuccessColor
	if !s.Success {
		resultColor = ErrorColor
	}

	separator := fmt.Sprintf("%s|%s", DarkGray, Reset)
	label := func(name string) string { return fmt.Sprintf("%s%s:%s", LabelColor, name, Reset) }
	value := func(v string) string { return fmt.Sprintf("%s%s%s", Neutral, v, Reset) }

	return strings.Join([]string{
		fmt.Sprintf("%s%s%s", Purple, s.Name, Reset),
		separator,
		label("Type"), value(s.Type),
		separator,
		label("Rounds"), value(fmt.Sprintf("%d", s.Rounds)),
		separator,
		label("Time"), value(fmt.Sprintf("%.2fs", s.Elapsed.Seconds())),
		separator,
		label("Result"), fmt.Sprintf("%s%s%s", resultColor, s.Result, Reset),
	}, " ")
}
