// ABOUTME: JSON snapshot format for heap graphs: objects with slot edges plus roots
// ABOUTME: Writes snapshots taken by the coordinator and reads them back for analysis

// Package heapdump serializes heap snapshots. The JSON format lists every
// object with one "ptrs" entry per reference slot (0 for an empty slot)
// and the root IDs. Profiles in pprof format summarize the same snapshot.
package heapdump

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/prateek/stwgc/graph"
)

// ErrInvalidDump is returned when a dump decodes but is inconsistent
var ErrInvalidDump = errors.New("invalid heap dump")

// jsonDump represents the JSON dump format
type jsonDump struct {
	Objects []jsonObject  `json:"objects"`
	Roots   []graph.ObjID `json:"roots"`
}

// jsonObject represents an object in the JSON format
type jsonObject struct {
	ID    graph.ObjID   `json:"id"`
	Color string        `json:"color,omitempty"`
	Ptrs  []graph.ObjID `json:"ptrs"`
}

// WriteJSON writes g in ascending ID order
func WriteJSON(w io.Writer, g graph.Graph) error {
	dump := jsonDump{
		Objects: make([]jsonObject, 0, g.NumObjects()),
		Roots:   g.GetRoots().IDs,
	}
	if dump.Roots == nil {
		dump.Roots = []graph.ObjID{}
	}
	g.ForEachObject(func(obj *graph.Object) {
		ptrs := obj.Ptrs
		if ptrs == nil {
			ptrs = []graph.ObjID{}
		}
		dump.Objects = append(dump.Objects, jsonObject{ID: obj.ID, Color: obj.Color, Ptrs: ptrs})
	})

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&dump); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// ReadJSON decodes a dump and checks that every ID is set and unique and
// that every pointer and root names an object in the dump
func ReadJSON(r io.Reader) (*graph.MemGraph, error) {
	var dump jsonDump

	decoder := json.NewDecoder(r)
	if err := decoder.Decode(&dump); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}
	if dump.Objects == nil {
		return nil, fmt.Errorf("missing objects: %w", ErrInvalidDump)
	}

	ids := make(map[graph.ObjID]bool, len(dump.Objects))
	for i, obj := range dump.Objects {
		if obj.ID == graph.Nil {
			return nil, fmt.Errorf("object at index %d missing ID: %w", i, ErrInvalidDump)
		}
		if ids[obj.ID] {
			return nil, fmt.Errorf("duplicate object %d: %w", obj.ID, ErrInvalidDump)
		}
		ids[obj.ID] = true
	}

	g := graph.NewMemGraph()
	for _, obj := range dump.Objects {
		for slot, ptr := range obj.Ptrs {
			if ptr != graph.Nil && !ids[ptr] {
				return nil, fmt.Errorf("object %d slot %d points to unknown object %d: %w", obj.ID, slot, ptr, ErrInvalidDump)
			}
		}
		ptrs := obj.Ptrs
		if ptrs == nil {
			ptrs = []graph.ObjID{}
		}
		g.AddObject(&graph.Object{ID: obj.ID, Color: obj.Color, Ptrs: ptrs})
	}

	for _, id := range dump.Roots {
		if !ids[id] {
			return nil, fmt.Errorf("root %d is not an object: %w", id, ErrInvalidDump)
		}
	}
	roots := graph.Roots{IDs: dump.Roots}
	if roots.IDs == nil {
		roots.IDs = []graph.ObjID{}
	}
	g.SetRoots(roots)

	return g, nil
}
