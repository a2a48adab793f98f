//go:build cgo

package main

/*
#cgo CFLAGS: -Wall -Wextra
#include <stdlib.h>
*/
import "C"

// Strings returned by these exports must be released with FreeString.
// A nil return means failure; GetLastError describes it.

func cString(s string, err error) *C.char {
	if err != nil {
		return nil
	}
	return C.CString(s)
}

//export Init
// Init opens the queue under dataDir and starts the sync engine. Returns 0 on success.
func Init(dataDir, configJSON *C.char) C.int {
	if err := core.start(C.GoString(dataDir), C.GoString(configJSON)); err != nil {
		return -1
	}
	return 0
}

//export Shutdown
// Shutdown stops the engine and closes storage.
func Shutdown() C.int {
	if err := core.shutdown(); err != nil {
		return -1
	}
	return 0
}

//export Enqueue
// Enqueue records a write and returns its operation ID.
func Enqueue(kind, collection, payloadJSON *C.char) *C.char {
	return cString(core.enqueue(C.GoString(kind), C.GoString(collection), C.GoString(payloadJSON)))
}

//export Status
// Status returns the sync status as JSON.
func Status() *C.char {
	return cString(core.status())
}

//export Operations
// Operations returns the queue as a JSON array.
func Operations() *C.char {
	return cString(core.operations())
}

//export FlushNow
// FlushNow runs one pass and returns its summary as JSON. It blocks until the pass ends.
func FlushNow() *C.char {
	return cString(core.flush())
}

//export SetOnline
// SetOnline feeds the platform connectivity signal.
func SetOnline(online C.int) C.int {
	if err := core.setOnline(online != 0); err != nil {
		return -1
	}
	return 0
}

//export AppForegrounded
// AppForegrounded reports the app returning to the foreground.
// Returns 1 when a sync pass started, 0 when none was needed and -1 on error.
func AppForegrounded() C.int {
	started, err := core.foreground()
	if err != nil {
		return -1
	}
	if started {
		return 1
	}
	return 0
}

//export FailedOperations
// FailedOperations returns the history of permanently failed writes as a JSON array.
func FailedOperations() *C.char {
	return cString(core.failedOperations())
}

//export CleanupStaleFailures
func CleanupStaleFailures() *C.char {
	return cString(core.cleanupStale())
}

//export ClearQueue
func ClearQueue() *C.char {
	return cString(core.clearQueue())
}

//export RetryFailed
// RetryFailed re-enqueues a failed operation and returns the new operation ID.
func RetryFailed(id *C.char) *C.char {
	return cString(core.retry(C.GoString(id)))
}

//export GetLastError
// GetLastError returns the last error message.
// Returns a C string that must be freed by the caller.
func GetLastError() *C.char {
	return C.CString(core.lastError())
}
