// Package script resolves the user's pipeline scripts into an explicit
// dispatch variant (shell, interpreter or unsupported) once, at configuration
// time, and builds the commands that invoke them for a sample index.
package script
