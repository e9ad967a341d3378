/*
Package transcript captures failures (errors as well as panics) in one process
in a transportable form and restores them in another process.

A transcript preserves the kind (the dynamic Go type name) of the failure, its
message, and the ordered source-location frames. Frames are taken from a
[github.com/pkg/errors] stack trace where available, and otherwise from the
stack at the time of capture.
*/
package transcript
