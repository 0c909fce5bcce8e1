package cli

import (
	"io"
	"log"
	"log/slog"
	"os"

	"github.com/gymetrics/metrics-platform/internal/common/constants"
	"github.com/spf13/pflag"
)

var (
	// textLogger is the log package backed logger slog starts with.
	textLogger = slog.Default()
	// Setting a JSON default logger redirects the log package, these restore it.
	textWriter = log.Writer()
	textFlags  = log.Flags()

	logOutput io.Writer = os.Stderr
)

// AddLoggingFlags installs the verbosity and log format flags, writing into verbosity and jsonLogs.
func AddLoggingFlags(flags *pflag.FlagSet, verbosity *int, jsonLogs *bool) {
	flags.CountVarP(verbosity, "verbose", "v", "issue INFO (-v), DEBUG (-vv)")
	flags.BoolVar(jsonLogs, "json-logs", false, "enable JSON formatted logs")
}

// SetVerbosity sets the logging level for the default logger based on the verbose flag count.
//
// This function has the same behaviors as slog.SetLogLoggerLevel.
func SetVerbosity(level int) {
	slog.SetLogLoggerLevel(getLevel(level))
}

// SetSlog sets the logging level and format of the default logger of service.
//
// It can be called again once the configuration is loaded: switching back from JSON
// restores the text logger. JSON records carry the service name.
func SetSlog(service string, level int, jsonLogs bool) {
	slogLevel := getLevel(level)
	if jsonLogs {
		h := slog.NewJSONHandler(logOutput, &slog.HandlerOptions{Level: slogLevel})
		slog.SetDefault(slog.New(h).With("service", service))
		return
	}

	log.SetOutput(textWriter)
	log.SetFlags(textFlags)
	slog.SetDefault(textLogger)
	SetVerbosity(level)
}

func getLevel(level int) slog.Level {
	switch level {
	case 0:
		return constants.DefaultLogLevel
	case 1:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
