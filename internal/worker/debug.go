package worker

import (
	"log"
	"os"
)

var debugEnabled = os.Getenv("NEXUSCHAT_WORKER_DEBUG") != ""

func debugLog(format string, args ...interface{}) {
	if !debugEnabled {
		return
	}
	log.Printf(format, args...)
}
