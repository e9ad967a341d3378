/*
Package api defines the specific protocol requests and responses used between
callers, spawner processes, and workers. These protocol elements are exchanged
using the [gob] encoding/decoding scheme.

The api package automatically registers the individual protocol element types so
that they can be especially used in receiving (polymorphous) interface values.

Please note that a [SpawnRequest] isn't answered by the spawner itself on
success, but instead by the newly launched worker using the spawner's control
socket it inherited.
*/
package api
