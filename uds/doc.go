/*
Package uds supports transferring messages with open file descriptors across
process boundaries using peer-to-peer pairs of (sequential packet) unix domain
sockets.

Sequential packet sockets are connection-oriented, so they detect when the
“other” side has disconnected, while at the same time preserving message
boundaries. The latter allows several processes to share the same socket end
and to send complete messages through it without garbling each other's data.

# Trivia

“[UDS]” is short for “unix domain socket”.

[UDS]: https://en.wikipedia.org/wiki/Unix_domain_socket
*/
package uds
