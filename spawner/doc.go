/*
Package spawner starts and controls “spawner” processes that preload an
application only once and then on demand spawn already warmed-up worker
processes of this application.

A [Spawner] first starts the application binary in spawner mode, handing it
one end of a connected unix domain socket pair as its control channel. The
spawner process then preloads the application, optionally after lowering its
privileges to those of the owner of the application's manifest. If preloading
fails, the failure is returned as an [*AppInitError], carrying the restored
failure of the application (or the code the application voluntarily exited
with).

Each [Spawner.Spawn] then launches a new worker that is detached from the
spawner process: the worker doesn't have the spawner as its parent process,
so it won't become a zombie when terminating while the spawner is still
around. The worker inherits the spawner's control channel for exactly the
time it needs to report back its PID and listening endpoint as well as to
hand over the write end of its liveness pipe. The worker keeps running as long
as this liveness pipe stays open; see [Worker.Close].

Spawners are not supervisors: a Spawner that has failed or has been broken by
a transport failure must be stopped and replaced by a fresh Spawner.

# Metrics

Use [WithRegisterer] to export the following Prometheus metrics:

  - prefork_spawner_starts_total{result}: spawner starts by preload result,
    one of “success”, “exception”, “exit”, “error”, and “transport”.
  - prefork_spawns_total{result}: worker spawns by result, one of “success”,
    “error”, and “transport”.
  - prefork_spawn_duration_seconds: histogram of successful spawn durations.
*/
package spawner
