// Package service exposes the engine's operations: Calculate, Sweep and
// EmitScript. It resolves caller inputs, generates the program document,
// dispatches it to an executor and reshapes the raw result tree into the
// transport response.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parascope/parascope/internal/codegen"
	"github.com/parascope/parascope/internal/config"
	"github.com/parascope/parascope/internal/sandbox"
	"github.com/parascope/parascope/internal/sheet"
	"github.com/parascope/parascope/internal/worker"
)

// InputValue is the transport envelope for one caller-supplied input.
type InputValue struct {
	Value any `json:"value"`
}

// NodeReport is the enriched, serialized record for one node.
type NodeReport struct {
	Type              string                 `json:"type"`
	Label             string                 `json:"label"`
	IsComputable      bool                   `json:"is_computable"`
	Error             string                 `json:"error,omitempty"`
	IsDependencyError bool                   `json:"is_dependency_error,omitempty"`
	Inputs            map[string]any         `json:"inputs"`
	Outputs           map[string]any         `json:"outputs"`
	Nodes             map[string]*NodeReport `json:"nodes,omitempty"`
}

// CalcResponse is the Calculate envelope. Error is set for fatal,
// sheet-level failures; per-node problems live inside Results.
type CalcResponse struct {
	Results map[string]*NodeReport `json:"results,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// Service wires the repository, the generator and an executor together.
type Service struct {
	Repo sheet.Repository
	Exec worker.Executor
	Cfg  config.Config
	Log  zerolog.Logger
}

func New(repo sheet.Repository, exec worker.Executor, cfg config.Config, log zerolog.Logger) *Service {
	return &Service{Repo: repo, Exec: exec, Cfg: cfg, Log: log}
}

// resolveOverrides maps caller keys (input node ids or labels) onto node
// ids. An id match beats a label match when a key could be both.
func resolveOverrides(s *sheet.Sheet, inputs map[string]InputValue) map[string]any {
	byLabel := map[string]*sheet.Node{}
	byID := map[string]*sheet.Node{}
	for _, n := range s.NodesOfKind(sheet.KindInput) {
		byLabel[n.Label] = n
		byID[n.ID.String()] = n
	}
	overrides := map[string]any{}
	for key, in := range inputs {
		if n, ok := byID[key]; ok {
			overrides[n.ID.String()] = in.Value
			continue
		}
		if n, ok := byLabel[key]; ok {
			overrides[n.ID.String()] = in.Value
		}
	}
	return overrides
}

// exampleFallback fills overrides from each input node's stored example
// value. Applies only when the caller supplied nothing usable at the root;
// nested sheets never fall back.
func exampleFallback(s *sheet.Sheet) map[string]any {
	overrides := map[string]any{}
	for _, n := range s.NodesOfKind(sheet.KindInput) {
		if n.Data.Value != nil && n.Data.Value != "" {
			overrides[n.ID.String()] = n.Data.Value
		}
	}
	return overrides
}

// Calculate runs the full pipeline for one sheet. Fatal generation and
// execution failures land in the response's Error; infrastructure failures
// (context cancellation, dead repository) return a Go error.
func (svc *Service) Calculate(ctx context.Context, s *sheet.Sheet, inputs map[string]InputValue) (*CalcResponse, error) {
	overrides := resolveOverrides(s, inputs)
	if len(overrides) == 0 {
		overrides = exampleFallback(s)
	}

	prog, err := codegen.New(svc.Repo).Generate(ctx, s, overrides)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		svc.Log.Warn().Err(err).Str("sheet", s.ID.String()).Msg("generation failed")
		return &CalcResponse{Error: err.Error()}, nil
	}
	raw, err := prog.Marshal()
	if err != nil {
		return nil, err
	}

	calcCtx, cancel := context.WithTimeout(ctx, svc.Cfg.CalcTimeout())
	defer cancel()
	svc.Log.Debug().Str("sheet", s.ID.String()).Str("script", codegen.Fingerprint(raw)).Msg("dispatching calculation")
	reply, err := svc.Exec.Execute(calcCtx, &worker.Request{
		Program:        raw,
		AllowedImports: svc.Cfg.AllowedImports,
		Preload:        svc.Cfg.PreloadModules,
	})
	if err != nil {
		if errors.Is(err, worker.ErrTimeout) {
			return &CalcResponse{Error: worker.ErrTimeout.Error()}, nil
		}
		return nil, err
	}

	resp := &CalcResponse{}
	if !reply.Success {
		resp.Error = reply.Error
	}
	tree := reply.Results
	if tree == nil {
		tree = &sandbox.ResultTree{Nodes: map[string]*sandbox.NodeResult{}}
	}
	resp.Results, err = svc.enrich(ctx, s, tree)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// EmitScript returns the generated program text without executing it.
func (svc *Service) EmitScript(ctx context.Context, s *sheet.Sheet, inputs map[string]InputValue) (string, error) {
	overrides := resolveOverrides(s, inputs)
	if len(overrides) == 0 {
		overrides = exampleFallback(s)
	}
	prog, err := codegen.New(svc.Repo).Generate(ctx, s, overrides)
	if err != nil {
		return "", err
	}
	raw, err := prog.Marshal()
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// enrich builds the per-node transport records: graph-shape input
// reconstruction, outputs, and recursion into nested sheet results.
func (svc *Service) enrich(ctx context.Context, s *sheet.Sheet, tree *sandbox.ResultTree) (map[string]*NodeReport, error) {
	incoming := s.IncomingByTarget()
	reports := make(map[string]*NodeReport, len(s.Nodes))

	for _, n := range s.Nodes {
		if n.Kind == sheet.KindComment {
			continue
		}
		nodeID := n.ID.String()
		rep := &NodeReport{
			Type:         string(n.Kind),
			Label:        n.Label,
			IsComputable: true,
			Inputs:       map[string]any{},
			Outputs:      map[string]any{},
		}
		res := tree.Nodes[nodeID]
		if res != nil {
			rep.IsComputable = res.IsComputable
			if res.Error != "" {
				rep.Error = res.Error
			}
			if res.InternalError == "Dependency failed" {
				rep.IsDependencyError = true
			}
		}

		if n.Kind != sheet.KindInput && n.Kind != sheet.KindConstant {
			for port, src := range incoming[n.ID] {
				rep.Inputs[port] = SerializeValue(sourceValue(tree, src))
			}
		}

		switch n.Kind {
		case sheet.KindFunction, sheet.KindLUT, sheet.KindSheet:
			if res != nil {
				for port, v := range res.Values {
					rep.Outputs[port] = SerializeValue(v)
				}
			}
			if n.Kind == sheet.KindSheet {
				if err := svc.enrichNested(ctx, n, tree, rep); err != nil {
					return nil, err
				}
			}
		default:
			if res != nil {
				rep.Outputs["value"] = SerializeValue(res.Value)
			} else {
				rep.Outputs["value"] = nil
			}
		}
		reports[nodeID] = rep
	}
	return reports, nil
}

func (svc *Service) enrichNested(ctx context.Context, n *sheet.Node, tree *sandbox.ResultTree, rep *NodeReport) error {
	childTree := tree.Children[n.ID.String()]
	if childTree == nil {
		return nil
	}
	child, err := svc.resolveNested(ctx, n)
	if err != nil {
		// The runtime produced a tree for a sheet the repository no longer
		// resolves; keep the calculation response usable.
		svc.Log.Warn().Err(err).Str("node", n.ID.String()).Msg("nested sheet not resolvable during enrichment")
		return nil
	}
	rep.Nodes, err = svc.enrich(ctx, child, childTree)
	return err
}

func (svc *Service) resolveNested(ctx context.Context, n *sheet.Node) (*sheet.Sheet, error) {
	if n.Data.VersionID != uuid.Nil {
		v, err := svc.Repo.FetchVersion(ctx, n.Data.VersionID)
		if err != nil {
			return nil, err
		}
		if v.Sheet == nil {
			return nil, fmt.Errorf("version %s has no sheet snapshot", v.ID)
		}
		return v.Sheet, nil
	}
	return svc.Repo.FetchSheet(ctx, n.Data.SheetID)
}

// sourceValue reads the value one connection delivers, resolving port-keyed
// outputs on multi-output sources.
func sourceValue(tree *sandbox.ResultTree, src sheet.Endpoint) any {
	res := tree.Nodes[src.NodeID.String()]
	if res == nil {
		return nil
	}
	if res.Values != nil && src.Port != "" {
		return res.Values[src.Port]
	}
	return res.Value
}
