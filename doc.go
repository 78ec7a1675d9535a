// Package reploid is a self-modifying agent substrate: a cognitive loop that
// drives an LLM through tool invocations against a transactional virtual
// filesystem, with the guarantee that every code mutation — including
// mutations of the tools, the tool-creation mechanism, and (under arena
// gating) the substrate itself — passes pre-flight verification and is
// reversible via snapshots.
//
// The root package carries the substrate core: the VFS, the capability
// model, the schema registry, context and memory management, the tool
// runner, the worker manager, the agent loop, and the arena harness.
// External collaborators (LLM providers, embedding providers, the semantic
// store, audit persistence) are interfaces; implementations live in
// subpackages or in the host.
package reploid
