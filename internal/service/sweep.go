package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/parascope/parascope/internal/codegen"
	"github.com/parascope/parascope/internal/lang"
	"github.com/parascope/parascope/internal/sandbox"
	"github.com/parascope/parascope/internal/sheet"
	"github.com/parascope/parascope/internal/worker"
)

const (
	maxSweepSteps   = 1000
	maxSweepProduct = 2000
)

// SweepRequest describes one parametric sweep. Either the numeric triple or
// ManualValues must be set for the primary axis; the secondary axis is
// optional and follows the same rules.
type SweepRequest struct {
	InputNodeID  string   `json:"input_node_id"`
	StartValue   string   `json:"start_value,omitempty"`
	EndValue     string   `json:"end_value,omitempty"`
	Increment    string   `json:"increment,omitempty"`
	ManualValues []string `json:"manual_values,omitempty"`

	SecondaryInputNodeID  string   `json:"secondary_input_node_id,omitempty"`
	SecondaryStartValue   string   `json:"secondary_start_value,omitempty"`
	SecondaryEndValue     string   `json:"secondary_end_value,omitempty"`
	SecondaryIncrement    string   `json:"secondary_increment,omitempty"`
	SecondaryManualValues []string `json:"secondary_manual_values,omitempty"`

	OutputNodeIDs  []string          `json:"output_node_ids"`
	InputOverrides map[string]string `json:"input_overrides,omitempty"`
}

type SweepHeader struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Type  string `json:"type"`
}

// StepMetadata records per-row computability and the first error seen in
// that scenario.
type StepMetadata struct {
	Computable map[string]bool `json:"computable"`
	Error      string          `json:"error,omitempty"`
}

type SweepResponse struct {
	Headers  []SweepHeader  `json:"headers"`
	Results  [][]any        `json:"results"`
	Metadata []StepMetadata `json:"metadata,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// axisValues expands a sweep axis into concrete values. The triple form
// orients the increment toward the end value; integral triples produce
// integer values.
func axisValues(start, end, inc string, manual []string) ([]any, error) {
	if manual != nil {
		if len(manual) > maxSweepSteps {
			return nil, fmt.Errorf("Sweep generates too many steps (%d). Limit is %d.", len(manual), maxSweepSteps)
		}
		out := make([]any, len(manual))
		for i, v := range manual {
			out[i] = lang.CoerceScalar(v)
		}
		return out, nil
	}
	if start == "" || end == "" || inc == "" {
		return nil, errors.New("Must provide either numeric range (start/end/increment) or manual_values.")
	}
	startV, err1 := strconv.ParseFloat(start, 64)
	endV, err2 := strconv.ParseFloat(end, 64)
	incV, err3 := strconv.ParseFloat(inc, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return nil, errors.New("Start, End, and Increment values must be numeric strings.")
	}
	if incV == 0 {
		return nil, errors.New("Increment cannot be zero.")
	}
	if endV < startV {
		incV = -math.Abs(incV)
	} else {
		incV = math.Abs(incV)
	}
	steps := int(math.Floor((endV-startV)/incV+1e-10)) + 1
	if steps > maxSweepSteps {
		return nil, fmt.Errorf("Sweep generates too many steps (%d). Limit is %d.", steps, maxSweepSteps)
	}
	integral := startV == math.Trunc(startV) && endV == math.Trunc(endV) && incV == math.Trunc(incV)
	if steps <= 0 {
		if integral {
			return []any{int(math.Round(startV))}, nil
		}
		return []any{startV}, nil
	}
	last := startV + float64(steps-1)*incV
	out := make([]any, steps)
	for i := 0; i < steps; i++ {
		var v float64
		if steps == 1 {
			v = startV
		} else {
			v = startV + (last-startV)*float64(i)/float64(steps-1)
		}
		if integral {
			out[i] = int(math.Round(v))
		} else {
			out[i] = v
		}
	}
	return out, nil
}

// Sweep runs the root sheet once per scenario and reshapes the result trees
// into a tabular response. Axis validation problems are returned as Go
// errors; harness failures land in the response's Error.
func (svc *Service) Sweep(ctx context.Context, s *sheet.Sheet, req *SweepRequest) (*SweepResponse, error) {
	nodeByID := map[string]*sheet.Node{}
	for _, n := range s.Nodes {
		nodeByID[n.ID.String()] = n
	}
	primary, ok := nodeByID[req.InputNodeID]
	if !ok {
		return nil, fmt.Errorf("Input node %s not found in sheet.", req.InputNodeID)
	}
	for _, oid := range req.OutputNodeIDs {
		if _, ok := nodeByID[oid]; !ok {
			return nil, fmt.Errorf("Output node %s not found in sheet.", oid)
		}
	}

	primaryValues, err := axisValues(req.StartValue, req.EndValue, req.Increment, req.ManualValues)
	if err != nil {
		return nil, err
	}

	var secondary *sheet.Node
	var secondaryValues []any
	if req.SecondaryInputNodeID != "" {
		secondary, ok = nodeByID[req.SecondaryInputNodeID]
		if !ok {
			return nil, fmt.Errorf("Input node %s not found in sheet.", req.SecondaryInputNodeID)
		}
		secondaryValues, err = axisValues(req.SecondaryStartValue, req.SecondaryEndValue, req.SecondaryIncrement, req.SecondaryManualValues)
		if err != nil {
			return nil, err
		}
		if product := len(primaryValues) * len(secondaryValues); product > maxSweepProduct {
			return nil, fmt.Errorf("Sweep generates too many steps (%d). Limit is %d.", product, maxSweepProduct)
		}
	}

	headers := []SweepHeader{{ID: req.InputNodeID, Label: primary.Label, Type: "input"}}
	if secondary != nil {
		headers = append(headers, SweepHeader{ID: req.SecondaryInputNodeID, Label: secondary.Label, Type: "input"})
	}
	for _, oid := range req.OutputNodeIDs {
		headers = append(headers, SweepHeader{ID: oid, Label: nodeByID[oid].Label, Type: "output"})
	}
	resp := &SweepResponse{Headers: headers, Results: [][]any{}}

	static := make(map[string]any, len(req.InputOverrides))
	for id, v := range req.InputOverrides {
		static[id] = lang.CoerceScalar(v)
	}

	// Secondary iterates outer, primary inner.
	type axisPoint struct{ primary, secondary any }
	var points []axisPoint
	var scenarios []map[string]any
	if secondary == nil {
		for _, pv := range primaryValues {
			points = append(points, axisPoint{primary: pv})
			scenarios = append(scenarios, scenarioOverrides(static, req.InputNodeID, pv, "", nil))
		}
	} else {
		for _, sv := range secondaryValues {
			for _, pv := range primaryValues {
				points = append(points, axisPoint{primary: pv, secondary: sv})
				scenarios = append(scenarios, scenarioOverrides(static, req.InputNodeID, pv, req.SecondaryInputNodeID, sv))
			}
		}
	}

	prog, err := codegen.New(svc.Repo).Generate(ctx, s, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		resp.Error = err.Error()
		return resp, nil
	}
	prog.Sweep = &codegen.SweepPlan{Class: prog.Entry.Class, Scenarios: scenarios}
	prog.Entry = nil
	raw, err := prog.Marshal()
	if err != nil {
		return nil, err
	}

	timeout := 30*time.Second + 50*time.Millisecond*time.Duration(len(scenarios))
	sweepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	svc.Log.Debug().Int("steps", len(scenarios)).Str("sheet", s.ID.String()).Str("script", codegen.Fingerprint(raw)).Msg("dispatching sweep")
	reply, err := svc.Exec.Execute(sweepCtx, &worker.Request{
		Program:        raw,
		AllowedImports: svc.Cfg.AllowedImports,
		Preload:        svc.Cfg.PreloadModules,
	})
	if err != nil {
		if errors.Is(err, worker.ErrTimeout) {
			resp.Error = worker.ErrTimeout.Error()
			return resp, nil
		}
		return nil, err
	}
	if !reply.Success {
		resp.Error = reply.Error
		return resp, nil
	}

	for i, step := range reply.Steps {
		if i >= len(points) {
			break
		}
		row := []any{SerializeValue(points[i].primary)}
		if secondary != nil {
			row = append(row, SerializeValue(points[i].secondary))
		}
		meta := StepMetadata{Computable: map[string]bool{}}
		for _, oid := range req.OutputNodeIDs {
			res := step.Nodes[oid]
			if res == nil {
				row = append(row, nil)
				meta.Computable[oid] = false
				continue
			}
			row = append(row, SerializeValue(res.Value))
			meta.Computable[oid] = res.IsComputable
			if meta.Error == "" && res.Error != "" {
				meta.Error = res.Error
			}
		}
		if meta.Error == "" {
			meta.Error = firstStepError(step, s.Nodes)
		}
		resp.Results = append(resp.Results, row)
		resp.Metadata = append(resp.Metadata, meta)
	}
	return resp, nil
}

func scenarioOverrides(static map[string]any, primaryID string, pv any, secondaryID string, sv any) map[string]any {
	overrides := make(map[string]any, len(static)+2)
	for k, v := range static {
		overrides[k] = v
	}
	overrides[primaryID] = pv
	if secondaryID != "" {
		overrides[secondaryID] = sv
	}
	return overrides
}

// firstStepError finds the originating failure in a scenario tree when none
// of the requested outputs carries one. Walking the sheet's node table keeps
// the chosen message stable across runs.
func firstStepError(step *sandbox.ResultTree, nodes []*sheet.Node) string {
	for _, n := range nodes {
		res := step.Nodes[n.ID.String()]
		if res != nil && !res.IsComputable && res.Error != "" {
			return res.Error
		}
	}
	return ""
}
