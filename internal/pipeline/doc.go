// Package pipeline runs the fixed analysis stage graph over one subject.
//
// # Topology
//
//	collect ─▶ quality gate ─┬─▶ complete              (score < threshold)
//	                         └─▶ classify ─▶ summarize ─▶ score-bias ─▶ explain ─▶ complete
//
// Each stage reads only the title, content and privilege flag, calls the
// upstream analysis function through the credential rotation controller, and
// returns a domain.Patch that writes the stage's own field exactly once.
//
// # Events
//
// Run returns a channel carrying, in order:
//
//	starting
//	progress{stage}   one per finished stage
//	complete{result}  or  error{errorCode, message}
//
// The channel closes after the terminal event. If the caller's context is
// cancelled no further stage is scheduled, any in-flight result is dropped,
// and the channel closes without a terminal event.
package pipeline
