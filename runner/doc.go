// Package runner is the boundary to the opaque execution unit that does a
// job's actual computation.
//
// A [Runner] takes a semantic input document and produces an [Outcome]:
// either a result document or a structured failure. While it runs it
// reports output lines through an [Emit] callback; [ParseLine] turns a raw
// line into one of the [Line] variants ([ProgressLine], [InfoLine],
// [ErrorLine], [UnrecognizedLine]). Malformed lines are never fatal; they
// surface as unrecognized output.
//
// Implementations:
//   - [Command] runs a local process as "<cmd> <args...> input.json output.json".
//   - [Container] runs the same protocol inside a Docker container.
//   - [Func] adapts a Go function, mostly for tests and embedded use.
package runner
