// ABOUTME: Main stwgc package providing version information and package documentation
// ABOUTME: This is the root package for the stop-the-world collector core

// Package stwgc is the coordination core of a toy managed-memory runtime:
// a parallel, stop-the-world mark-and-sweep collector over a heap of linked
// objects mutated concurrently by mutator goroutines.
//
// The pieces live in subpackages: heap (objects and the arena), safepoint
// (pause/resume), mark (parallel mark workers) and gc (the coordinator,
// root sets and mutator handles). graph and heapdump inspect and export
// heap snapshots.
package stwgc

// Version is the semantic version of the collector core
const Version = "0.1.0-dev"
