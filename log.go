package listen

import (
	"fmt"
	"log"
	"os"
)

// Logging convention in the `listen` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on
//     normal operation
//     this includes:
//     - read timeouts and stream teardown on error
//     - protocol error events from the server
// Debug (glog V(2)):
//     key events for trace debugging
//     - per-chunk and per-event trace, tagged with the request id so a single
//       stream can be filtered

const LogLevelUrgent = 0
const LogLevelInfo = 50
const LogLevelDebug = 100

var GlobalLogLevel = LogLevelUrgent

var logger = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)

func Logger() *log.Logger {
	return logger
}

type LogFunction func(string, ...any)

func LogFn(level int, tag string) LogFunction {
	return func(format string, a ...any) {
		if level <= GlobalLogLevel {
			m := fmt.Sprintf(format, a...)
			Logger().Printf("%s: %s\n", tag, m)
		}
	}
}

func SubLogFn(level int, log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		if level <= GlobalLogLevel {
			m := fmt.Sprintf(format, a...)
			log("%s: %s", tag, m)
		}
	}
}
