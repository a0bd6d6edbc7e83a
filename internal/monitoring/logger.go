// Package monitoring holds the process-wide diagnostic logger.
package monitoring

import (
	"bytes"
	"fmt"
	"log"

	"github.com/rs/zerolog"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// logfWriter hands each rendered line to the current Logf.
type logfWriter struct{}

func (logfWriter) Write(p []byte) (int, error) {
	Logf("%s", bytes.TrimRight(p, "\n"))
	return len(p), nil
}

var events = zerolog.New(zerolog.ConsoleWriter{
	Out:        logfWriter{},
	NoColor:    true,
	PartsOrder: []string{zerolog.MessageFieldName},
	FormatMessage: func(i interface{}) string {
		if i == nil {
			return ""
		}
		return fmt.Sprintf("%s:", i)
	},
})

// Event starts a structured line. Finish it with Msg(component) to write
// "<component>: k=v ..." through Logf, keys in sorted order.
func Event() *zerolog.Event {
	return events.Log()
}
