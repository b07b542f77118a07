package models

import "time"

type DependencyKind string

const (
	// DependencyBlocks means FromTask cannot proceed until ToTask is
	// terminal. Only this kind participates in cycle prevention and
	// readiness.
	DependencyBlocks         DependencyKind = "blocks"
	DependencyRelated        DependencyKind = "related"
	DependencyDiscoveredFrom DependencyKind = "discovered_from"
)

func (k DependencyKind) Valid() bool {
	switch k {
	case DependencyBlocks, DependencyRelated, DependencyDiscoveredFrom:
		return true
	}
	return false
}

type TaskDependency struct {
	FromTask  string         `json:"from_task"`
	ToTask    string         `json:"to_task"`
	Kind      DependencyKind `json:"kind"`
	CreatedAt time.Time      `json:"created_at"`
}
