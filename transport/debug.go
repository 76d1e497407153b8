package transport

import (
	"fmt"
	"io"
	"os"
)

// debugWriter receives internal traces when the QUICLY_DEBUG environment
// variable is set. Intended for development only.
var debugWriter io.Writer

func init() {
	if os.Getenv("QUICLY_DEBUG") != "" {
		debugWriter = os.Stderr
	}
}

func debug(format string, values ...interface{}) {
	if debugWriter != nil {
		fmt.Fprintf(debugWriter, format+"\n", values...)
	}
}

func sprint(values ...interface{}) string {
	return fmt.Sprint(values...)
}
