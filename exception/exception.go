package exception

import (
	"fmt"
	"os"
	"runtime/debug"
	"sync"

	"github.com/mezonai/combinedb/logx"
	"github.com/mezonai/combinedb/monitoring"
)

var (
	exitMu      sync.Mutex
	exitHandler = os.Exit
)

// SetExitHandler replaces the process exit used by Fatal and returns a function restoring the previous one.
func SetExitHandler(h func(code int)) (restore func()) {
	exitMu.Lock()
	defer exitMu.Unlock()
	prev := exitHandler
	exitHandler = h
	return func() {
		exitMu.Lock()
		defer exitMu.Unlock()
		exitHandler = prev
	}
}

// Fatal logs the failure with a stack trace and terminates the process.
// Callers reach it only when state can no longer be trusted, e.g. when one
// backend has mutated and the other has not.
func Fatal(category string, content ...interface{}) {
	monitoring.IncreasePanicCount()
	logx.Error("FATAL", "[", category, "] ", fmt.Sprint(content...), "\n", string(debug.Stack()))

	exitMu.Lock()
	exit := exitHandler
	exitMu.Unlock()
	exit(1)
}

// Must aborts through Fatal when err is not nil.
func Must(category, op string, err error) {
	if err != nil {
		Fatal(category, op, " failed: ", err)
	}
}

// Guard runs fn and turns both a returned error and a panic into a Fatal.
func Guard(category, op string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			Fatal(category, op, " panicked: ", r)
		}
	}()
	Must(category, op, fn())
}

func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				monitoring.IncreasePanicCount()
				logx.Error("PANIC", "Panic in: ", name, r, string(debug.Stack()))
			}
		}()
		fn()
	}()
}

func SafeGoWithPanic(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				Fatal("PANIC", "Panic in: ", name, " ", r)
			}
		}()
		fn()
	}()
}
