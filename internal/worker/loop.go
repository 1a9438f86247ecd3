package worker

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/parascope/parascope/internal/codegen"
	"github.com/parascope/parascope/internal/lang"
	"github.com/parascope/parascope/internal/sandbox"
)

// Serve runs the worker side of the protocol: read a request frame, execute
// it, write the reply, repeat until the shutdown sentinel or EOF. It is the
// body of the `worker` subcommand and of in-process protocol tests.
func Serve(r io.Reader, w io.Writer, log zerolog.Logger) error {
	for {
		var req Request
		if err := ReadFrame(r, &req); err != nil {
			if errors.Is(err, ErrShutdown) || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}
		log.Debug().Str("request_id", req.ID).Msg("executing program")
		reply := executeScript(&req)
		if err := WriteFrame(w, reply); err != nil {
			return fmt.Errorf("write reply: %w", err)
		}
	}
}

// executeScript runs one request to completion. Panics inside dispatch are
// converted into a failed reply so a poisoned program cannot take the
// worker loop down.
func executeScript(req *Request) (reply *Reply) {
	reply = &Reply{ID: req.ID}
	defer func() {
		if r := recover(); r != nil {
			reply.Success = false
			reply.Error = fmt.Sprintf("worker panic: %v", r)
			reply.Results = nil
			reply.Steps = nil
		}
	}()

	prog, err := codegen.ParseProgram(req.Program)
	if err != nil {
		reply.Error = err.Error()
		return reply
	}
	allow := lang.NewAllowlist(req.AllowedImports...)
	allow.Preload(req.Preload...)

	if prog.Sweep != nil {
		return runSweep(reply, prog, allow)
	}
	if prog.Entry == nil {
		reply.Error = "program has no entry"
		return reply
	}
	inst, err := sandbox.NewInstance(prog, prog.Entry.Class, allow)
	if err != nil {
		reply.Error = err.Error()
		return reply
	}
	tree, err := inst.Run(prog.Entry.Overrides)
	if err != nil {
		reply.Error = err.Error()
		return reply
	}
	reply.Success = true
	reply.Results = tree
	return reply
}

func runSweep(reply *Reply, prog *codegen.Program, allow *lang.Allowlist) *Reply {
	for _, scenario := range prog.Sweep.Scenarios {
		inst, err := sandbox.NewInstance(prog, prog.Sweep.Class, allow)
		if err != nil {
			reply.Error = err.Error()
			return reply
		}
		tree, err := inst.Run(scenario)
		if err != nil {
			reply.Error = err.Error()
			return reply
		}
		reply.Steps = append(reply.Steps, tree)
	}
	reply.Success = true
	return reply
}
