package types

import (
	"fmt"
	"strings"
)

// TestNodeType defines the type of node in the test tree
type TestNodeType string

const (
	NodeTypeFolder  TestNodeType = "folder"  // Project root folder
	NodeTypePackage TestNodeType = "package" // Go package
	NodeTypeClass   TestNodeType = "class"   // Test file or suite type
	NodeTypeMethod  TestNodeType = "method"  // Test function or suite method
)

// Level returns the depth at which nodes of this type live, folder being 0.
// Unknown types return -1.
func (t TestNodeType) Level() int {
	switch t {
	case NodeTypeFolder:
		return 0
	case NodeTypePackage:
		return 1
	case NodeTypeClass:
		return 2
	case NodeTypeMethod:
		return 3
	default:
		return -1
	}
}

// IsValid reports whether t is a known node type
func (t TestNodeType) IsValid() bool {
	return t.Level() >= 0
}

// CoarserThan reports whether t sits above other in the hierarchy.
func (t TestNodeType) CoarserThan(other TestNodeType) bool {
	return t.Level() < other.Level()
}

// ParseNodeType parses a node type name, case-insensitively
func ParseNodeType(s string) (TestNodeType, error) {
	t := TestNodeType(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("unknown node type %q", s)
	}
	return t, nil
}

// Position is a 1-based line and column in a source file
type Position struct {
	Line   int `json:"line" yaml:"line"`
	Column int `json:"column" yaml:"column"`
}

// Before orders positions by line, then column
func (p Position) Before(o Position) bool {
	if p.Line != o.Line {
		return p.Line < o.Line
	}
	return p.Column < o.Column
}

// Range is the declared source span of a test entity
type Range struct {
	Start Position `json:"start" yaml:"start"`
	End   Position `json:"end" yaml:"end"`
}

func (r Range) String() string {
	return fmt.Sprintf("%d:%d-%d:%d", r.Start.Line, r.Start.Column, r.End.Line, r.End.Column)
}

// NodeID addresses a node inside the arena of a single TestTree
type NodeID int

// NoParent is the parent of a tree's root
const NoParent NodeID = -1

// Identity is what makes a node unique within a project's tree
type Identity struct {
	URI           string
	QualifiedName string
}

func (i Identity) String() string {
	return i.URI + "#" + i.QualifiedName
}

// TestNode is one element of the test tree. Children are owned by the node; Parent is
// only an index used for lookups.
type TestNode struct {
	ID            NodeID
	URI           string
	QualifiedName string
	DisplayName   string
	Range         Range
	Type          TestNodeType
	Kinds         []FrameworkKind // nil until resolved
	ProjectID     string

	Parent   NodeID
	Children []NodeID
}

// Identity returns the node identity
func (n *TestNode) Identity() Identity {
	return Identity{URI: n.URI, QualifiedName: n.QualifiedName}
}

// IsRoot reports whether the node is its tree's root
func (n *TestNode) IsRoot() bool {
	return n.Parent == NoParent
}

// TestLocation is one candidate test entity as reported by source discovery.
// Method locations name their enclosing class and package so the builder can create
// intermediate nodes on demand.
type TestLocation struct {
	URI           string
	QualifiedName string
	DisplayName   string
	Range         Range
	Type          TestNodeType  // NodeTypeClass or NodeTypeMethod
	Kind          FrameworkKind // kind the source looks like it is written for

	Package      string // import path
	PackageURI   string // package directory
	Class        string // qualified class name
	ClassDisplay string
	ClassURI     string
	ClassRange   Range
	Runner       string // test function that drives a testify suite
}

// TestItem is the tree fragment handed back to search callers
type TestItem struct {
	ID          string          `json:"id"`
	DisplayName string          `json:"displayName"`
	FullName    string          `json:"fullName"`
	URI         string          `json:"uri"`
	Range       Range           `json:"range"`
	Type        TestNodeType    `json:"nodeType"`
	Kinds       []FrameworkKind `json:"testKinds,omitempty"`
	ProjectName string          `json:"projectName"`
	Children    []*TestItem     `json:"children,omitempty"`
}
