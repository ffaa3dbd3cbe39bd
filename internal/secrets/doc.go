// Package secrets provides regexp-based secret detection and redaction.
//
// Knowledge text passes through scrubbing before it is persisted or indexed,
// so uploaded documents cannot leak credentials into search results or agent
// context. Findings carry rule IDs and positions, never the matched value.
package secrets
