// Package models defines the core domain models for graph-based agent workflows.
package models

import (
	"encoding/json"
	"fmt"
)

// NodeType discriminates the kind of work a node performs.
type NodeType string

const (
	NodeTypeInput     NodeType = "INPUT"     // Entry point carrying the initial input
	NodeTypeOutput    NodeType = "OUTPUT"    // Terminal node recording the final value
	NodeTypeAgent     NodeType = "AGENT"     // Remote agent call through the AgentInvoker port
	NodeTypeTool      NodeType = "TOOL"      // Tool call through the ToolInvoker port
	NodeTypeCondition NodeType = "CONDITION" // Predicate selecting the TRUE or FALSE edge
	NodeTypeTransform NodeType = "TRANSFORM" // Pure function over referenced context values
)

// EdgeType tags the dependency between two nodes.
type EdgeType string

const (
	EdgeTypeData           EdgeType = "DATA"
	EdgeTypeConditionTrue  EdgeType = "CONDITION_TRUE"
	EdgeTypeConditionFalse EdgeType = "CONDITION_FALSE"
)

// Edge is a directed dependency between two nodes.
type Edge struct {
	ID     string   `json:"id"     validate:"required"`
	Source string   `json:"source" validate:"required"`
	Target string   `json:"target" validate:"required"`
	Type   EdgeType `json:"type"   validate:"required"`
}

// Node is a unit of work in a workflow graph. Config is a typed variant
// keyed by Type; Position is opaque passthrough for visual editors and
// carries no execution meaning.
type Node struct {
	ID             string          `json:"id"   validate:"required"`
	Name           string          `json:"name" validate:"required,min=1"`
	Type           NodeType        `json:"type" validate:"required"`
	Config         NodeConfig      `json:"config"`
	Position       json.RawMessage `json:"position,omitempty"`
	Required       bool            `json:"required,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
}

// nodeEnvelope mirrors the interchange wire form of a node with the config
// left raw so it can be decoded by the type discriminator.
type nodeEnvelope struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Type           NodeType        `json:"type"`
	Config         json.RawMessage `json:"config"`
	Position       json.RawMessage `json:"position,omitempty"`
	Required       bool            `json:"required,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
}

// UnmarshalJSON decodes a node and its config variant by the type field.
func (n *Node) UnmarshalJSON(data []byte) error {
	var env nodeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("failed to decode node: %w", err)
	}

	config, err := decodeConfig(env.Type, env.Config)
	if err != nil {
		return fmt.Errorf("node %s: %w", env.ID, err)
	}

	n.ID = env.ID
	n.Name = env.Name
	n.Type = env.Type
	n.Config = config
	n.Position = env.Position
	n.Required = env.Required
	n.TimeoutSeconds = env.TimeoutSeconds

	return nil
}

func decodeConfig(nodeType NodeType, raw json.RawMessage) (NodeConfig, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = []byte("{}")
	}

	var config NodeConfig

	switch nodeType {
	case NodeTypeInput:
		config = &InputConfig{}
	case NodeTypeOutput:
		config = &OutputConfig{}
	case NodeTypeAgent:
		config = &AgentConfig{}
	case NodeTypeTool:
		config = &ToolConfig{}
	case NodeTypeCondition:
		config = &ConditionConfig{}
	case NodeTypeTransform:
		config = &TransformConfig{}
	default:
		return nil, fmt.Errorf("unknown node type %q", nodeType)
	}

	if err := json.Unmarshal(raw, config); err != nil {
		return nil, fmt.Errorf("failed to decode %s config: %w", nodeType, err)
	}

	return config, nil
}
