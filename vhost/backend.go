package vhost

import "context"

// Backend handles a single dequeued Request. Implementations read the
// request's device-readable buffers, perform whatever I/O the device type
// calls for, fill in the device-writable buffers, and return the number of
// bytes written so the caller can complete the request. Returning an error
// does not fail the virtqueue; it is up to the caller (typically a wire
// format decoder such as BlockBackend) to translate it into a status byte.
type Backend interface {
	HandleRequest(ctx context.Context, req *Request) (written uint32, err error)
}
