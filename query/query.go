// Package query implements the read-only Query Service:
// single-node lookups, sorted/paginated children listings, bounded
// descendant/ancestor walks, name search, and JSON export.
package query

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/orneryd/treedb/command"
	"github.com/orneryd/treedb/store"
)

// maxNodeIDLength bounds node id length for copyNodes validation, the
// same ceiling applied to node names.
const maxNodeIDLength = 255

// Service answers read-only questions against the durable store.
type Service struct {
	durable     *store.Durable
	maxTreeDepth int
}

// New constructs a Service. maxTreeDepth bounds listDescendants and
// listAncestors walks.
func New(durable *store.Durable, maxTreeDepth int) *Service {
	return &Service{durable: durable, maxTreeDepth: maxTreeDepth}
}

// GetNode returns the node with id, or store.ErrNotFound on a miss. An
// empty id is an INVALID_OPERATION rather than a lookup.
func (s *Service) GetNode(id store.NodeID) (*store.TreeNode, error) {
	if id == "" {
		return nil, command.NewError(command.ErrCodeInvalidOperation, "getNode: id must be a non-empty string")
	}
	return s.durable.GetNode(id)
}

// SortField selects what ListChildren orders by.
type SortField string

const (
	SortByName      SortField = "name"
	SortByUpdatedAt SortField = "updatedAt"
)

// ListChildrenOptions controls ListChildren's ordering and pagination.
type ListChildrenOptions struct {
	SortBy    SortField
	Ascending bool
	Offset    int
	Limit     int // 0 means unbounded
}

// ListChildren returns parentID's direct children, sorted and paginated
// per opts.
func (s *Service) ListChildren(parentID store.NodeID, opts ListChildrenOptions) ([]*store.TreeNode, error) {
	children, err := s.durable.ListChildren(parentID)
	if err != nil {
		return nil, err
	}
	sortNodes(children, opts.SortBy, opts.Ascending)
	return paginate(children, opts.Offset, opts.Limit), nil
}

func sortNodes(nodes []*store.TreeNode, field SortField, ascending bool) {
	compare := func(i, j int) bool {
		switch field {
		case SortByUpdatedAt:
			return nodes[i].UpdatedAt < nodes[j].UpdatedAt
		default:
			return nodes[i].Name < nodes[j].Name
		}
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		if ascending {
			return compare(i, j)
		}
		return compare(j, i)
	})
}

func paginate(nodes []*store.TreeNode, offset, limit int) []*store.TreeNode {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(nodes) {
		return nil
	}
	end := len(nodes)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return nodes[offset:end]
}

// DescendantOptions controls ListDescendants' depth bound and
// post-collection type filter. Type filtering happens after collection;
// the walk recurses through non-matching interior nodes.
//
// MaxDepth of zero means literally zero levels, not "unset", so a
// zero-depth listing is empty. A negative MaxDepth is treated as unset
// and falls back to the Service's configured maxTreeDepth.
type DescendantOptions struct {
	MaxDepth     int
	IncludeTypes []string
	ExcludeTypes []string
}

// ListDescendants does a breadth-first walk from rootID down to at most
// opts.MaxDepth levels, returning every
// matching descendant found. A malformed parent-cycle in the durable
// store (which should be impossible given mutation.MoveNodes's ancestor
// check, but is guarded here defensively since query reads straight off
// storage) stops the walk at maxDepth rather than looping forever.
func (s *Service) ListDescendants(rootID store.NodeID, opts DescendantOptions) ([]*store.TreeNode, error) {
	if opts.MaxDepth == 0 {
		return nil, nil
	}
	maxDepth := opts.MaxDepth
	if maxDepth < 0 || maxDepth > s.maxTreeDepth {
		maxDepth = s.maxTreeDepth
	}
	var out []*store.TreeNode
	frontier := []store.NodeID{rootID}
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []store.NodeID
		for _, id := range frontier {
			children, err := s.durable.ListChildren(id)
			if err != nil {
				return nil, err
			}
			for _, c := range children {
				// Always recurse regardless of whether c itself passes the
				// type filter - only collection into out is filtered.
				next = append(next, c.ID)
				if matchesTypeFilter(c.NodeType, opts.IncludeTypes, opts.ExcludeTypes) {
					out = append(out, c)
				}
			}
		}
		frontier = next
	}
	return out, nil
}

func matchesTypeFilter(nodeType string, includeTypes, excludeTypes []string) bool {
	if len(includeTypes) > 0 && !containsString(includeTypes, nodeType) {
		return false
	}
	if len(excludeTypes) > 0 && containsString(excludeTypes, nodeType) {
		return false
	}
	return true
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// ListAncestors walks from nodeID up through its tree's root to the
// super-root (the last element, whose parent is SuperRootParentID), stopping after
// maxTreeDepth hops even if a cycle is somehow present in stored
// data.
func (s *Service) ListAncestors(nodeID store.NodeID) ([]*store.TreeNode, error) {
	var out []*store.TreeNode
	current := nodeID
	seen := make(map[store.NodeID]bool)
	for i := 0; i < s.maxTreeDepth; i++ {
		node, err := s.durable.GetNode(current)
		if err != nil {
			return out, err
		}
		if node.ParentID == store.SuperRootParentID || seen[node.ParentID] {
			break
		}
		parent, err := s.durable.GetNode(node.ParentID)
		if err != nil {
			return out, err
		}
		out = append(out, parent)
		seen[current] = true
		current = parent.ID
	}
	return out, nil
}

// SearchMode selects how SearchNodes matches Name against query.
type SearchMode string

const (
	SearchExact   SearchMode = "exact"
	SearchPrefix  SearchMode = "prefix"
	SearchSuffix  SearchMode = "suffix"
	SearchPartial SearchMode = "partial"
)

// SearchOptions controls SearchNodes' case sensitivity, whether
// description text is also searched, and the result cap.
type SearchOptions struct {
	CaseSensitive       bool
	SearchInDescription bool
	MaxResults          int // 0 means unbounded
}

// SearchNodes scans rootID's descendants (via ListDescendants) for names
// (and, if requested, descriptions) matching query under mode. For
// exact/prefix/suffix the matcher is built with literal-escaping
// (regexp.QuoteMeta); partial uses plain substring matching.
func (s *Service) SearchNodes(rootID store.NodeID, query string, mode SearchMode, opts SearchOptions) ([]*store.TreeNode, error) {
	candidates, err := s.ListDescendants(rootID, DescendantOptions{MaxDepth: s.maxTreeDepth})
	if err != nil {
		return nil, err
	}
	matcher, err := buildMatcher(query, mode, opts.CaseSensitive)
	if err != nil {
		return nil, command.NewError(command.ErrCodeInvalidOperation, fmt.Sprintf("searchNodes: invalid query: %v", err))
	}

	var out []*store.TreeNode
	for _, n := range candidates {
		if matchesNode(n, query, mode, matcher, opts) {
			out = append(out, n)
			if opts.MaxResults > 0 && len(out) >= opts.MaxResults {
				break
			}
		}
	}
	return out, nil
}

// buildMatcher constructs the literal-escaped regexp for exact/prefix/
// suffix modes. partial never needs a regexp - it matches on substring
// directly, so buildMatcher returns a nil matcher for it.
func buildMatcher(query string, mode SearchMode, caseSensitive bool) (*regexp.Regexp, error) {
	if mode == SearchPartial {
		return nil, nil
	}
	escaped := regexp.QuoteMeta(query)
	var pattern string
	switch mode {
	case SearchExact:
		pattern = "^" + escaped + "$"
	case SearchPrefix:
		pattern = "^" + escaped
	case SearchSuffix:
		pattern = escaped + "$"
	default:
		pattern = escaped
	}
	if !caseSensitive {
		pattern = "(?i)" + pattern
	}
	return regexp.Compile(pattern)
}

func matchesNode(n *store.TreeNode, query string, mode SearchMode, matcher *regexp.Regexp, opts SearchOptions) bool {
	if matchesField(n.Name, query, mode, matcher, opts.CaseSensitive) {
		return true
	}
	if opts.SearchInDescription && n.Description != nil {
		return matchesField(*n.Description, query, mode, matcher, opts.CaseSensitive)
	}
	return false
}

func matchesField(value, query string, mode SearchMode, matcher *regexp.Regexp, caseSensitive bool) bool {
	if mode == SearchPartial {
		if caseSensitive {
			return strings.Contains(value, query)
		}
		return strings.Contains(strings.ToLower(value), strings.ToLower(query))
	}
	return matcher.MatchString(value)
}

// CopyRecord is the JSON-serializable shape a clipboard/export payload
// takes, carrying enough of each node to reconstruct it under a new
// parent (mutation.PasteNodes) or outside the database entirely
// (ExportNodes).
type CopyRecord struct {
	ID          store.NodeID  `json:"id"`
	ParentID    store.NodeID  `json:"parentId"`
	NodeType    string        `json:"nodeType"`
	Name        string        `json:"name"`
	Description *string       `json:"description,omitempty"`
	CreatedAt   store.Timestamp `json:"createdAt"`
	UpdatedAt   store.Timestamp `json:"updatedAt"`
}

func toCopyRecord(n *store.TreeNode) CopyRecord {
	return CopyRecord{
		ID: n.ID, ParentID: n.ParentID, NodeType: n.NodeType, Name: n.Name,
		Description: n.Description, CreatedAt: n.CreatedAt, UpdatedAt: n.UpdatedAt,
	}
}

// CopyResult is CopyNodes' self-describing result envelope.
type CopyResult struct {
	Type        string          `json:"type"`
	Timestamp   store.Timestamp `json:"timestamp"`
	Nodes       []CopyRecord    `json:"nodes"`
	RootNodeIDs []store.NodeID  `json:"rootNodeIds"`
	NodeCount   int             `json:"nodeCount"`
}

// CopyNodes validates nodeIDs (1..maxCopyNodes items, each id no longer
// than maxNodeIDLength), then materializes nodeIDs plus
// every descendant of each into CopyRecords, the in-memory clipboard
// payload mutation.PasteNodes later replays under a destination parent.
// A materialized set that would exceed maxCopyNodes short-circuits with
// INVALID_OPERATION rather than silently truncating.
func (s *Service) CopyNodes(nodeIDs []store.NodeID, maxCopyNodes int) (*CopyResult, error) {
	if len(nodeIDs) < 1 || len(nodeIDs) > maxCopyNodes {
		return nil, command.NewError(command.ErrCodeInvalidOperation,
			fmt.Sprintf("copyNodes: nodeIds count %d must be between 1 and %d", len(nodeIDs), maxCopyNodes))
	}
	for _, id := range nodeIDs {
		if len(id) == 0 || len(id) > maxNodeIDLength {
			return nil, command.NewError(command.ErrCodeInvalidOperation,
				fmt.Sprintf("copyNodes: node id %q exceeds max length of %d", id, maxNodeIDLength))
		}
	}

	var out []CopyRecord
	seen := make(map[store.NodeID]bool)
	for _, id := range nodeIDs {
		if seen[id] {
			continue
		}
		node, err := s.durable.GetNode(id)
		if err != nil {
			return nil, err
		}
		seen[id] = true
		out = append(out, toCopyRecord(node))
		if len(out) > maxCopyNodes {
			return nil, command.NewError(command.ErrCodeInvalidOperation,
				fmt.Sprintf("copyNodes: materialized set exceeds max of %d", maxCopyNodes))
		}

		descendants, err := s.ListDescendants(id, DescendantOptions{MaxDepth: s.maxTreeDepth})
		if err != nil {
			return nil, err
		}
		for _, d := range descendants {
			if seen[d.ID] {
				continue
			}
			seen[d.ID] = true
			out = append(out, toCopyRecord(d))
			if len(out) > maxCopyNodes {
				return nil, command.NewError(command.ErrCodeInvalidOperation,
					fmt.Sprintf("copyNodes: materialized set exceeds max of %d", maxCopyNodes))
			}
		}
	}

	return &CopyResult{
		Type:        "nodes-copy",
		Timestamp:   store.NowMS(),
		Nodes:       out,
		RootNodeIDs: append([]store.NodeID(nil), nodeIDs...),
		NodeCount:   len(out),
	}, nil
}

// ExportMetadata carries exportNodes' envelope metadata.
type ExportMetadata struct {
	ExportedAt  store.Timestamp `json:"exportedAt"`
	RootNodeIDs []store.NodeID  `json:"rootNodeIds"`
	TotalNodes  int             `json:"totalNodes"`
}

// ExportPayload is exportNodes' JSON shape: { nodes, metadata: {
// exportedAt, rootNodeIds, totalNodes } }.
type ExportPayload struct {
	Nodes    []CopyRecord   `json:"nodes"`
	Metadata ExportMetadata `json:"metadata"`
}

// ExportNodes serializes nodeIDs and their descendants to JSON,
// mutation.ImportNodes's counterpart.
func (s *Service) ExportNodes(nodeIDs []store.NodeID, maxCopyNodes int) ([]byte, error) {
	result, err := s.CopyNodes(nodeIDs, maxCopyNodes)
	if err != nil {
		return nil, err
	}
	payload := ExportPayload{
		Nodes: result.Nodes,
		Metadata: ExportMetadata{
			ExportedAt:  store.NowMS(),
			RootNodeIDs: result.RootNodeIDs,
			TotalNodes:  result.NodeCount,
		},
	}
	return json.MarshalIndent(payload, "", "  ")
}
