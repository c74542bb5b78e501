// Package status defines the result-code taxonomy shared by every request
// handler and the store drivers. Codes travel across the wire unchanged, so
// peers on different nodes can compare them numerically.
package status

import "fmt"

// Code is the result of an operation.
type Code uint8

const (
	Success Code = iota
	Unknown
	NoObj
	NoVDI
	NewToOld
	VdiExist
	InvalidParms
	SystemError
	VdiWrite
	VdiRead
	NoTag
	Startup
	NoSpace
	WaitForFormat
	WaitForJoin
	Shutdown
	Killed
	NoDaemon
	ReadOnly
	EIO
	NoStore
	ForceRecover
	BufferSmall
	NoSupport
	Again
)

var names = map[Code]string{
	Success:       "success",
	Unknown:       "unknown error",
	NoObj:         "no object found",
	NoVDI:         "no vdi found",
	NewToOld:      "object version is newer than the request",
	VdiExist:      "vdi exists already",
	InvalidParms:  "invalid parameters",
	SystemError:   "system error",
	VdiWrite:      "failed to write to the vdi",
	VdiRead:       "failed to read from the vdi",
	NoTag:         "no such snapshot tag",
	Startup:       "node is still starting up",
	NoSpace:       "no space left on device",
	WaitForFormat: "cluster is waiting to be formatted",
	WaitForJoin:   "cluster is waiting for other nodes to join",
	Shutdown:      "cluster is shut down",
	Killed:        "node is killed",
	NoDaemon:      "daemon is not running",
	ReadOnly:      "vdi is read-only",
	EIO:           "local i/o error",
	NoStore:       "no such store driver",
	ForceRecover:  "cannot force recover in this state",
	BufferSmall:   "buffer is too small",
	NoSupport:     "operation is not supported",
	Again:         "resource is temporarily unavailable, try again",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return fmt.Sprintf("invalid result code %d", uint8(c))
}

// Error lets a Code be returned through error-valued plumbing (the transport
// client, the CLI) without losing the numeric identity.
func (c Code) Error() string {
	return c.String()
}

// OK reports whether the code is Success.
func (c Code) OK() bool {
	return c == Success
}

// Err returns c as an error, or nil for Success.
func (c Code) Err() error {
	if c == Success {
		return nil
	}
	return c
}

// CodeOf extracts a Code from an error produced by Err, defaulting to
// SystemError for foreign errors.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	if c, ok := err.(Code); ok {
		return c
	}
	return SystemError
}
