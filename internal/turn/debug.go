package turn

import (
	"log"
	"os"
	"strings"
)

var turnDebugEnabled = strings.EqualFold(os.Getenv("NEXUSCHAT_TURN_DEBUG"), "1")

func debugLog(format string, args ...interface{}) {
	if turnDebugEnabled {
		log.Printf(format, args...)
	}
}
