/*
Package prefork spawns warmed-up application worker processes from a
long-lived “spawner” process that has loaded (“preloaded”) the application only
once.

An application plugs into prefork by implementing the [Application]
interface: its Preload method runs exactly once inside the spawner process and
returns an opaque snapshot of the loaded state; its Serve method then runs
inside every worker process, getting passed the very same snapshot as well as
the worker's private listener.

Application binaries hand control to [github.com/thediveo/prefork/spawner/service.Main]
and are then started and talked to by [github.com/thediveo/prefork/spawner.Spawner]
objects:

	sp, err := spawner.New("/srv/app", spawner.WithExe("/usr/local/bin/app"))
	if err != nil { ... }
	if err := sp.Start(ctx); err != nil { ... }
	defer sp.Stop()
	w, err := sp.Spawn(ctx)

# Application Roots

An application root is a directory containing a [ManifestName] file in YAML
format. Besides naming the application and passing arbitrary settings to it,
the manifest is the application's entry point: when lowering privileges, the
spawner switches to the user owning the manifest.

# Voluntary Exit

Calling [os.Exit] while preloading would take down the spawner process without
the caller ever learning about the reason. Applications thus use [Exit]
instead (or return an [*ExitError]) to signal that they cannot start.

# Go and fork(2)

Go processes are multi-threaded and the Go runtime does not survive a bare
fork(2). Workers thus are double-forked using raw system calls only and then
re-execute the spawner's own binary in worker mode. The loaded application
state crosses this exec(2) boundary as a sealed, read-only memfd that each
worker maps copy-on-write, so all workers share the same pages.
*/
package prefork
