// Package engine provides the command execution engine. It turns a parsed
// command into N concurrently running instances that share one start time
// and deadline, repeats each instance on its interval until the deadline
// passes, serializes every output line through a shared sink, and either
// joins the instances (foreground) or leaves them running detached
// (background) until the engine is shut down.
package engine
