// Package util holds small startup-diagnostics helpers with no other
// home, carried from the teacher's utils package.
package util

import (
	"bytes"
	"runtime"
	"strconv"
)

var goroutinePrefix = []byte("goroutine ")

// GoroutineInfo identifies the goroutine that built it, for the startup
// log cmd/boeingest's run() emits before starting the pipeline.
type GoroutineInfo struct {
	GoroutineID  int64
	FunctionName string
}

// CurrentGoroutineID parses the running goroutine's id out of its own
// stack trace header ("goroutine 123 [running]: ...").
func CurrentGoroutineID() int64 {
	buf := make([]byte, 32)
	n := runtime.Stack(buf, false)
	buf = buf[:n]

	buf, ok := bytes.CutPrefix(buf, goroutinePrefix)
	if !ok {
		return 0
	}
	i := bytes.IndexByte(buf, ' ')
	if i < 0 {
		return 0
	}
	id, err := strconv.ParseInt(string(buf[:i]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func callerFunctionName() string {
	pc := make([]uintptr, 1)
	runtime.Callers(3, pc)
	f := runtime.FuncForPC(pc[0])
	if f != nil {
		return f.Name()
	}
	return "unknown"
}

// Info returns the current goroutine's id and the name of the function
// that called Info.
func Info() GoroutineInfo {
	return GoroutineInfo{GoroutineID: CurrentGoroutineID(), FunctionName: callerFunctionName()}
}
