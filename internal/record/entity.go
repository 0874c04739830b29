package record

import (
	"errors"
	"fmt"
)

// EntityType identifies which table in the entity graph a record belongs to.
type EntityType string

const (
	// EntityTypeSession is a gym or crag visit. Root of the graph.
	EntityTypeSession EntityType = "session"
	// EntityTypeClimb is a route attempted within a session.
	EntityTypeClimb EntityType = "climb"
	// EntityTypeAttempt is a single try on a climb.
	EntityTypeAttempt EntityType = "attempt"
)

// ErrUnknownEntityType indicates an entity type outside the fixed graph.
var ErrUnknownEntityType = errors.New("record: unknown entity type")

// DependencyOrder lists entity types parents-first. Push cycles walk this
// slice so a child's foreign key is always satisfiable remotely by the
// time the child is sent. The graph is small and stable, so a literal
// ordered list beats a graph solver.
var DependencyOrder = []EntityType{
	EntityTypeSession,
	EntityTypeClimb,
	EntityTypeAttempt,
}

// ParseEntityType validates raw input against the fixed graph.
func ParseEntityType(rawInput string) (EntityType, error) {
	switch EntityType(rawInput) {
	case EntityTypeSession, EntityTypeClimb, EntityTypeAttempt:
		return EntityType(rawInput), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEntityType, rawInput)
}

// String returns the wire name of the entity type.
func (t EntityType) String() string {
	return string(t)
}

// ParentType returns the entity type a record of this type references,
// or empty for the root.
func (t EntityType) ParentType() EntityType {
	switch t {
	case EntityTypeClimb:
		return EntityTypeSession
	case EntityTypeAttempt:
		return EntityTypeClimb
	}
	return ""
}
