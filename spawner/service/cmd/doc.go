/*
Package main provides a demo application for use with [spawner.Spawner]. It is
built and used in tests, but also serves as an example of how to wire up an
application.

Its behavior while preloading is controlled by the “preload” setting in the
application's manifest:

  - “boom”: returns an error.
  - “missing”: returns the error from opening a non-existing file.
  - “panic”: panics.
  - “exit”: voluntarily exits with code 42.
  - “sleep”: sleeps for a minute.

Otherwise, preloading succeeds with the “greeting” setting as its snapshot,
defaulting to “hello”. Workers answer every connection with a single line
consisting of the greeting and their PID, and then close the connection.
*/
package main
