package types

import (
	"errors"
	"fmt"
)

// ErrDuplicateNode is reported when two locations resolve to the same node identity
var ErrDuplicateNode = errors.New("duplicate test node")

// TestTree is the hierarchical test structure of a single project. Nodes live in an
// arena and reference each other by NodeID, so the structure is acyclic by
// construction and is released as a unit once the request that built it completes.
type TestTree struct {
	ProjectID string

	nodes      []TestNode
	byIdentity map[Identity]NodeID
}

// Root returns the project root node
func (t *TestTree) Root() *TestNode {
	return &t.nodes[0]
}

// Len returns the number of nodes in the tree
func (t *TestTree) Len() int {
	return len(t.nodes)
}

// Node returns the node with the given id, or nil
func (t *TestTree) Node(id NodeID) *TestNode {
	if id < 0 || int(id) >= len(t.nodes) {
		return nil
	}
	return &t.nodes[id]
}

// Parent returns the parent of the given node, or nil for the root
func (t *TestTree) Parent(id NodeID) *TestNode {
	n := t.Node(id)
	if n == nil {
		return nil
	}
	return t.Node(n.Parent)
}

// Children returns the children of the given node in discovery order
func (t *TestTree) Children(id NodeID) []*TestNode {
	n := t.Node(id)
	if n == nil {
		return nil
	}
	children := make([]*TestNode, 0, len(n.Children))
	for _, c := range n.Children {
		children = append(children, &t.nodes[c])
	}
	return children
}

// Lookup finds a node by identity
func (t *TestTree) Lookup(identity Identity) (*TestNode, bool) {
	id, ok := t.byIdentity[identity]
	if !ok {
		return nil, false
	}
	return &t.nodes[id], true
}

// Walk traverses the subtree rooted at from, depth first, calling visitor for each
// node. Returning false from the visitor skips that node's children.
func (t *TestTree) Walk(from NodeID, visitor func(*TestNode) bool) {
	n := t.Node(from)
	if n == nil {
		return
	}
	if !visitor(n) {
		return
	}
	for _, c := range n.Children {
		t.Walk(c, visitor)
	}
}

// GetPath returns the hierarchical path to a node, built from display names
func (t *TestTree) GetPath(id NodeID) string {
	n := t.Node(id)
	if n == nil {
		return ""
	}
	if n.IsRoot() {
		return n.DisplayName
	}
	return t.GetPath(n.Parent) + "/" + n.DisplayName
}

// Count returns how many nodes of the given type the tree holds
func (t *TestTree) Count(nodeType TestNodeType) int {
	count := 0
	for i := range t.nodes {
		if t.nodes[i].Type == nodeType {
			count++
		}
	}
	return count
}

// Fragment converts the subtree rooted at id into a TestItem. Method nodes never have
// children; coarser nodes carry their full subtree.
func (t *TestTree) Fragment(id NodeID) *TestItem {
	n := t.Node(id)
	if n == nil {
		return nil
	}
	item := t.item(n)
	for _, c := range n.Children {
		item.Children = append(item.Children, t.Fragment(c))
	}
	return item
}

// Item converts a single node into a TestItem without children
func (t *TestTree) Item(id NodeID) *TestItem {
	n := t.Node(id)
	if n == nil {
		return nil
	}
	return t.item(n)
}

func (t *TestTree) item(n *TestNode) *TestItem {
	return &TestItem{
		ID:          n.Identity().String(),
		DisplayName: n.DisplayName,
		FullName:    n.QualifiedName,
		URI:         n.URI,
		Range:       n.Range,
		Type:        n.Type,
		Kinds:       n.Kinds,
		ProjectName: n.ProjectID,
	}
}

// BuildRequest carries the facts needed to build one project's tree
type BuildRequest struct {
	ProjectID string
	RootURI   string
	RootName  string
	Locations []TestLocation
	Kinds     []FrameworkKind // detected kinds for the project, in priority order
}

// TestTreeBuilder builds a TestTree from discovered test locations
type TestTreeBuilder struct {
	attachKinds bool
}

// NewTestTreeBuilder creates a new test tree builder
func NewTestTreeBuilder() *TestTreeBuilder {
	return &TestTreeBuilder{
		attachKinds: true,
	}
}

// WithKinds controls whether framework kinds are attached to nodes
func (b *TestTreeBuilder) WithKinds(attach bool) *TestTreeBuilder {
	b.attachKinds = attach
	return b
}

// Build creates a TestTree. Locations are grouped by package, then by class; the
// intermediate nodes are created the first time they are seen and children keep the
// order in which they were discovered. A location whose identity already exists is
// skipped and reported in the returned error, the tree itself remains usable.
func (b *TestTreeBuilder) Build(req BuildRequest) (*TestTree, error) {
	if req.ProjectID == "" {
		return nil, errors.New("project id is required")
	}

	rootName := req.RootName
	if rootName == "" {
		rootName = req.ProjectID
	}

	tree := &TestTree{
		ProjectID:  req.ProjectID,
		nodes:      make([]TestNode, 0, len(req.Locations)+1),
		byIdentity: make(map[Identity]NodeID),
	}

	var kinds []FrameworkKind
	if b.attachKinds {
		kinds = req.Kinds
	}

	tree.add(TestNode{
		URI:           req.RootURI,
		QualifiedName: req.ProjectID,
		DisplayName:   rootName,
		Type:          NodeTypeFolder,
		Kinds:         kinds,
		ProjectID:     req.ProjectID,
		Parent:        NoParent,
	})

	var errs []error
	for _, loc := range req.Locations {
		if err := b.addLocation(tree, loc, kinds); err != nil {
			errs = append(errs, err)
		}
	}

	return tree, errors.Join(errs...)
}

// addLocation places a single location, creating its package and class on demand
func (b *TestTreeBuilder) addLocation(tree *TestTree, loc TestLocation, kinds []FrameworkKind) error {
	switch loc.Type {
	case NodeTypeClass, NodeTypeMethod:
	default:
		return fmt.Errorf("location %s has unsupported node type %q", loc.QualifiedName, loc.Type)
	}

	pkgID := b.ensurePackage(tree, loc, kinds)
	classKinds := resolveKinds(loc.Kind, kinds)

	if loc.Type == NodeTypeClass {
		identity := Identity{URI: loc.URI, QualifiedName: loc.QualifiedName}
		if _, exists := tree.byIdentity[identity]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateNode, identity)
		}
		tree.add(TestNode{
			URI:           loc.URI,
			QualifiedName: loc.QualifiedName,
			DisplayName:   loc.DisplayName,
			Range:         loc.Range,
			Type:          NodeTypeClass,
			Kinds:         classKinds,
			ProjectID:     tree.ProjectID,
			Parent:        pkgID,
		})
		return nil
	}

	classID := b.ensureClass(tree, loc, pkgID, classKinds)
	identity := Identity{URI: loc.URI, QualifiedName: loc.QualifiedName}
	if _, exists := tree.byIdentity[identity]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, identity)
	}
	tree.add(TestNode{
		URI:           loc.URI,
		QualifiedName: loc.QualifiedName,
		DisplayName:   loc.DisplayName,
		Range:         loc.Range,
		Type:          NodeTypeMethod,
		Kinds:         tree.nodes[classID].Kinds,
		ProjectID:     tree.ProjectID,
		Parent:        classID,
	})
	return nil
}

// ensurePackage creates or gets the package node for a location
func (b *TestTreeBuilder) ensurePackage(tree *TestTree, loc TestLocation, kinds []FrameworkKind) NodeID {
	identity := Identity{URI: loc.PackageURI, QualifiedName: loc.Package}
	if id, ok := tree.byIdentity[identity]; ok {
		return id
	}
	return tree.add(TestNode{
		URI:           loc.PackageURI,
		QualifiedName: loc.Package,
		DisplayName:   loc.Package,
		Type:          NodeTypePackage,
		Kinds:         kinds,
		ProjectID:     tree.ProjectID,
		Parent:        0,
	})
}

// ensureClass creates or gets the enclosing class node for a method location
func (b *TestTreeBuilder) ensureClass(tree *TestTree, loc TestLocation, pkgID NodeID, kinds []FrameworkKind) NodeID {
	identity := Identity{URI: loc.ClassURI, QualifiedName: loc.Class}
	if id, ok := tree.byIdentity[identity]; ok {
		return id
	}
	display := loc.ClassDisplay
	if display == "" {
		display = loc.Class
	}
	return tree.add(TestNode{
		URI:           loc.ClassURI,
		QualifiedName: loc.Class,
		DisplayName:   display,
		Range:         loc.ClassRange,
		Type:          NodeTypeClass,
		Kinds:         kinds,
		ProjectID:     tree.ProjectID,
		Parent:        pkgID,
	})
}

// add appends a node to the arena and links it to its parent
func (t *TestTree) add(n TestNode) NodeID {
	id := NodeID(len(t.nodes))
	n.ID = id
	t.nodes = append(t.nodes, n)
	t.byIdentity[n.Identity()] = id
	if n.Parent != NoParent {
		parent := &t.nodes[n.Parent]
		parent.Children = append(parent.Children, id)
	}
	return id
}

// resolveKinds picks the kind a class is launched with: the kind its source is written
// for if the project has it, else the first project kind that subsumes it.
func resolveKinds(kind FrameworkKind, projectKinds []FrameworkKind) []FrameworkKind {
	if kind == "" || len(projectKinds) == 0 {
		return nil
	}
	for _, k := range projectKinds {
		if k == kind {
			return []FrameworkKind{k}
		}
	}
	for _, k := range projectKinds {
		if k.Subsumes(kind) {
			return []FrameworkKind{k}
		}
	}
	return nil
}
