package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
)

// serviceName is stamped on every request log line so aggregated streams
// from several binaries stay attributable.
const serviceName = "signet-api"

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the shared JSON-line logger. Handlers and the audit package
// write through it so output interleaves line-atomically.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// LogRequest emits one structured JSON line with common HTTP fields.
func LogRequest(entry map[string]any) {
	if _, ok := entry["service"]; !ok {
		entry["service"] = serviceName
	}
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"level":"error","msg":"log marshal failed","service":"` + serviceName + `"}`)
		return
	}
	Logger().Println(string(data))
}
