package client

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jobmon/jobmon/internal/domain"
	"github.com/jobmon/jobmon/internal/services"
)

// GraphNode is one locally declared workflow node before binding. A
// node is identified by (task_template_version_id, node_args_hash);
// Upstream references other nodes in the same graph by Key.
type GraphNode struct {
	TaskTemplateVersionID int64
	NodeArgsHash          string
	Upstream              []string
}

// Key is the node's identity within the graph, in the same form the
// bind_nodes response is keyed by.
func (n GraphNode) Key() string {
	return strconv.FormatInt(n.TaskTemplateVersionID, 10) + ":" + n.NodeArgsHash
}

// edgeBindChunkSize bounds a single bind_edges request.
const edgeBindChunkSize = 500

// ValidateGraph rejects graphs that can never run: two nodes sharing
// an identity, upstream references to nodes outside the graph, and
// dependency cycles.
func ValidateGraph(nodes []GraphNode) error {
	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		key := n.Key()
		if _, dup := index[key]; dup {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateNodeArgs, key)
		}
		index[key] = i
	}
	for _, n := range nodes {
		for _, up := range n.Upstream {
			if _, ok := index[up]; !ok {
				return fmt.Errorf("%w: %s depends on %s",
					domain.ErrNodeDependencyMissing, n.Key(), up)
			}
		}
	}
	return detectCycle(nodes, index)
}

// detectCycle is an iterative depth-first search over an explicit frame
// stack, so graph depth is not bounded by the call stack.
func detectCycle(nodes []GraphNode, index map[string]int) error {
	const (
		unvisited = iota
		onStack
		finished
	)
	state := make([]int8, len(nodes))
	type frame struct {
		node int
		next int
	}
	for start := range nodes {
		if state[start] != unvisited {
			continue
		}
		state[start] = onStack
		stack := []frame{{node: start}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next < len(nodes[top.node].Upstream) {
				up := index[nodes[top.node].Upstream[top.next]]
				top.next++
				switch state[up] {
				case onStack:
					return fmt.Errorf("%w: at %s", domain.ErrCyclicGraph, nodes[up].Key())
				case unvisited:
					state[up] = onStack
					stack = append(stack, frame{node: up})
				}
				continue
			}
			state[top.node] = finished
			stack = stack[:len(stack)-1]
		}
	}
	return nil
}

// BindGraph validates a locally declared graph and binds its dag,
// nodes, and edges in one pass. Returned node ids are keyed by
// GraphNode.Key, the same form Upstream references are written in.
func (c *Client) BindGraph(ctx context.Context, dagHash string, nodes []GraphNode) (int64, map[string]int64, error) {
	if err := ValidateGraph(nodes); err != nil {
		return 0, nil, err
	}
	dag, err := c.BindDag(ctx, dagHash)
	if err != nil {
		return 0, nil, err
	}
	specs := make([]services.BindNodeSpec, 0, len(nodes))
	for _, n := range nodes {
		specs = append(specs, services.BindNodeSpec{
			TaskTemplateVersionID: n.TaskTemplateVersionID,
			NodeArgsHash:          n.NodeArgsHash,
		})
	}
	ids, err := c.BindNodes(ctx, specs)
	if err != nil {
		return 0, nil, err
	}
	// Edges are rebound even when the dag already existed: the upsert
	// makes it a no-op, and an earlier bind that crashed mid-chunk may
	// have left them partial.
	edges := adjacency(nodes, ids)
	for len(edges) > 0 {
		chunk := edges
		if len(chunk) > edgeBindChunkSize {
			chunk = chunk[:edgeBindChunkSize]
		}
		if err := c.BindEdges(ctx, dag.DagID, chunk); err != nil {
			return 0, nil, err
		}
		edges = edges[len(chunk):]
	}
	return dag.DagID, ids, nil
}

// adjacency resolves key references to bound node ids and derives the
// reverse (downstream) lists.
func adjacency(nodes []GraphNode, ids map[string]int64) []services.BindEdgeSpec {
	upstream := make(map[int64][]int64, len(nodes))
	downstream := make(map[int64][]int64, len(nodes))
	order := make([]int64, 0, len(nodes))
	for _, n := range nodes {
		id := ids[n.Key()]
		order = append(order, id)
		for _, upKey := range n.Upstream {
			upID := ids[upKey]
			upstream[id] = append(upstream[id], upID)
			downstream[upID] = append(downstream[upID], id)
		}
	}
	specs := make([]services.BindEdgeSpec, 0, len(order))
	for _, id := range order {
		specs = append(specs, services.BindEdgeSpec{
			NodeID:          id,
			UpstreamNodes:   upstream[id],
			DownstreamNodes: downstream[id],
		})
	}
	return specs
}
