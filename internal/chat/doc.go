// Package chat orchestrates conversational calls against registered
// providers. It owns the per-session history lifecycle: user turns are
// committed before the provider call, assistant turns only after a
// successful reply, and streamed replies only once the stream ends
// cleanly. Requests on the same session are serialized.
package chat
