/*
Package launch starts detached worker processes by double-forking the calling
process and then executing a (memfd) executable.

The calling process forks an intermediate child and waits for it; the
intermediate child forks the worker and immediately exits. The worker thus
gets orphaned and re-parented, so the caller never needs to reap it. Between
fork and exec both children only issue raw system calls, as the Go runtime
does not survive a bare fork of a multi-threaded process.

Failures in the children before the worker's exec succeeded are reported back
to the caller over a close-on-exec pipe as [ChildError] values: when reading
the pipe hits EOF without any error, the worker has successfully executed.
*/
package launch
