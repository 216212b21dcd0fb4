package mcp

import (
	"context"
	"errors"
	"fmt"
	"slices"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/rowguard/internal/model"
)

// PingInput is empty.
type PingInput struct{}

// PingOutput reports discovery.
type PingOutput struct {
	Found  bool   `json:"found"`
	Reason string `json:"reason,omitempty"`
}

// CheckInput defines parameters for rowguard_check.
type CheckInput struct {
	Kind string   `json:"kind" jsonschema:"record kind: numbers, loans, messages or queues"`
	IDs  []string `json:"ids" jsonschema:"candidate identifiers"`
}

// CheckOutput partitions the candidates.
type CheckOutput struct {
	Admitted []string `json:"admitted"`
	Denied   []string `json:"denied"`
	Reason   string   `json:"reason,omitempty"`
}

// FiltersInput is empty.
type FiltersInput struct{}

// FiltersOutput lists installed filter names.
type FiltersOutput struct {
	Filters []string `json:"filters"`
}

// SnapshotInput defines parameters for rowguard_snapshot.
type SnapshotInput struct {
	Kind string `json:"kind" jsonschema:"record kind, usually brands"`
}

// SnapshotOutput carries the cached records.
type SnapshotOutput struct {
	Available bool           `json:"available"`
	Version   uint64         `json:"version,omitempty"`
	Records   []model.Record `json:"records"`
}

func (s *Server) handlePing(ctx context.Context, _ *mcpsdk.CallToolRequest, _ PingInput) (*mcpsdk.CallToolResult, PingOutput, error) {
	if err := s.agent.Handshake(ctx); err != nil {
		s.logger.Warn("ping failed", "error", err)
		return &mcpsdk.CallToolResult{IsError: true}, PingOutput{Reason: err.Error()}, nil
	}
	return nil, PingOutput{Found: true}, nil
}

func (s *Server) handleCheck(ctx context.Context, _ *mcpsdk.CallToolRequest, input CheckInput) (*mcpsdk.CallToolResult, CheckOutput, error) {
	kind, err := model.KindByName(input.Kind)
	if err != nil {
		return nil, CheckOutput{}, err
	}
	if len(input.IDs) == 0 {
		return nil, CheckOutput{}, fmt.Errorf("ids must not be empty")
	}

	admitted, err := s.agent.Check(ctx, kind, input.IDs)
	if err != nil {
		// Nothing is admitted when the answer cannot be trusted.
		out := CheckOutput{Admitted: []string{}, Denied: input.IDs, Reason: err.Error()}
		if errors.Is(err, model.ErrListenerNotFound) {
			out.Reason = "not provisioned: " + err.Error()
		}
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}

	denied := make([]string, 0, len(input.IDs))
	for _, id := range input.IDs {
		if !slices.Contains(admitted, id) {
			denied = append(denied, id)
		}
	}
	if admitted == nil {
		admitted = []string{}
	}
	return nil, CheckOutput{Admitted: admitted, Denied: denied}, nil
}

func (s *Server) handleFilters(_ context.Context, _ *mcpsdk.CallToolRequest, _ FiltersInput) (*mcpsdk.CallToolResult, FiltersOutput, error) {
	return nil, FiltersOutput{Filters: s.agent.Chain().Filters()}, nil
}

func (s *Server) handleSnapshot(_ context.Context, _ *mcpsdk.CallToolRequest, input SnapshotInput) (*mcpsdk.CallToolResult, SnapshotOutput, error) {
	kind, err := model.KindByName(input.Kind)
	if err != nil {
		return nil, SnapshotOutput{}, err
	}
	recs, version, err := s.agent.Snapshot(kind).Load()
	if errors.Is(err, model.ErrSnapshotUnavailable) {
		return nil, SnapshotOutput{Records: []model.Record{}}, nil
	}
	if err != nil {
		return nil, SnapshotOutput{}, err
	}
	return nil, SnapshotOutput{Available: true, Version: version, Records: recs}, nil
}
