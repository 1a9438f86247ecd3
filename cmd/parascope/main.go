package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parascope/parascope/internal/config"
	"github.com/parascope/parascope/internal/service"
	"github.com/parascope/parascope/internal/sheet"
	"github.com/parascope/parascope/internal/worker"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "calc":
		runCalc(os.Args[2:])
	case "sweep":
		runSweep(os.Args[2:])
	case "emit":
		runEmit(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "worker":
		runWorker()
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  parascope calc --dir <sheets-dir> --sheet <id-or-name> [--config <file.yaml>] [--input key=value ...] [--local]")
	fmt.Fprintln(os.Stderr, "  parascope sweep --dir <sheets-dir> --sheet <id-or-name> --input-node <id> --output <id> [--output <id> ...] [--start v --end v --increment v | --values v,v,...] [--override id=value ...]")
	fmt.Fprintln(os.Stderr, "  parascope emit --dir <sheets-dir> --sheet <id-or-name> [--input key=value ...]")
	fmt.Fprintln(os.Stderr, "  parascope validate --dir <sheets-dir> [--sheet <id-or-name>]")
	fmt.Fprintln(os.Stderr, "  parascope worker")
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if os.Getenv("PARASCOPE_DEBUG") != "" {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

func runWorker() {
	log := newLogger()
	if err := worker.Serve(os.Stdin, os.Stdout, log); err != nil {
		log.Error().Err(err).Msg("worker loop failed")
		os.Exit(1)
	}
}

// takeValue reads the value of a --flag at position i, advancing i.
func takeValue(args []string, i *int, flag string) string {
	*i++
	if *i >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", flag)
		os.Exit(1)
	}
	return args[*i]
}

func loadRepo(dir string) *sheet.MemoryRepository {
	if dir == "" {
		fmt.Fprintln(os.Stderr, "--dir is required")
		os.Exit(1)
	}
	repo, err := sheet.LoadDir(dir, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "load sheets: %v\n", err)
		os.Exit(1)
	}
	return repo
}

func findSheet(repo *sheet.MemoryRepository, ref string) *sheet.Sheet {
	if ref == "" {
		fmt.Fprintln(os.Stderr, "--sheet is required")
		os.Exit(1)
	}
	if id, err := uuid.Parse(ref); err == nil {
		if s, err := repo.FetchSheet(context.Background(), id); err == nil {
			return s
		}
	}
	var matches []*sheet.Sheet
	for _, s := range repo.Sheets() {
		if s.Name == ref {
			matches = append(matches, s)
		}
	}
	if len(matches) == 1 {
		return matches[0]
	}
	if len(matches) > 1 {
		fmt.Fprintf(os.Stderr, "sheet name %q is ambiguous, use an id\n", ref)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "sheet %q not found\n", ref)
	names := make([]string, 0, len(repo.Sheets()))
	for _, s := range repo.Sheets() {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	if len(names) > 0 {
		fmt.Fprintf(os.Stderr, "available: %s\n", strings.Join(names, ", "))
	}
	os.Exit(1)
	return nil
}

func parseInputs(pairs []string) map[string]service.InputValue {
	if len(pairs) == 0 {
		return nil
	}
	inputs := make(map[string]service.InputValue, len(pairs))
	for _, p := range pairs {
		key, val, ok := strings.Cut(p, "=")
		if !ok {
			fmt.Fprintf(os.Stderr, "--input expects key=value, got %q\n", p)
			os.Exit(1)
		}
		inputs[key] = service.InputValue{Value: val}
	}
	return inputs
}

func buildService(repo sheet.Repository, cfgPath string, local bool, log zerolog.Logger) (*service.Service, func()) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if local {
		return service.New(repo, worker.LocalExecutor{}, cfg, log), func() {}
	}
	pool := worker.NewPool(cfg.WorkerCount, nil, cfg.CalcTimeout(), log)
	return service.New(repo, pool, cfg, log), func() { pool.Shutdown(2 * time.Second) }
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCalc(args []string) {
	var dir, sheetRef, cfgPath string
	var inputPairs []string
	var local bool

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--dir":
			dir = takeValue(args, &i, "--dir")
		case "--sheet":
			sheetRef = takeValue(args, &i, "--sheet")
		case "--config":
			cfgPath = takeValue(args, &i, "--config")
		case "--input":
			inputPairs = append(inputPairs, takeValue(args, &i, "--input"))
		case "--local":
			local = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	log := newLogger()
	repo := loadRepo(dir)
	s := findSheet(repo, sheetRef)
	svc, shutdown := buildService(repo, cfgPath, local, log)
	defer shutdown()

	resp, err := svc.Calculate(context.Background(), s, parseInputs(inputPairs))
	if err != nil {
		log.Error().Err(err).Msg("calculation failed")
		os.Exit(1)
	}
	printJSON(resp)
	if resp.Error != "" {
		os.Exit(1)
	}
}

func runSweep(args []string) {
	var dir, sheetRef, cfgPath string
	var local bool
	req := &service.SweepRequest{InputOverrides: map[string]string{}}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--dir":
			dir = takeValue(args, &i, "--dir")
		case "--sheet":
			sheetRef = takeValue(args, &i, "--sheet")
		case "--config":
			cfgPath = takeValue(args, &i, "--config")
		case "--local":
			local = true
		case "--input-node":
			req.InputNodeID = takeValue(args, &i, "--input-node")
		case "--start":
			req.StartValue = takeValue(args, &i, "--start")
		case "--end":
			req.EndValue = takeValue(args, &i, "--end")
		case "--increment":
			req.Increment = takeValue(args, &i, "--increment")
		case "--values":
			req.ManualValues = strings.Split(takeValue(args, &i, "--values"), ",")
		case "--secondary-node":
			req.SecondaryInputNodeID = takeValue(args, &i, "--secondary-node")
		case "--secondary-start":
			req.SecondaryStartValue = takeValue(args, &i, "--secondary-start")
		case "--secondary-end":
			req.SecondaryEndValue = takeValue(args, &i, "--secondary-end")
		case "--secondary-increment":
			req.SecondaryIncrement = takeValue(args, &i, "--secondary-increment")
		case "--secondary-values":
			req.SecondaryManualValues = strings.Split(takeValue(args, &i, "--secondary-values"), ",")
		case "--output":
			req.OutputNodeIDs = append(req.OutputNodeIDs, takeValue(args, &i, "--output"))
		case "--override":
			pair := takeValue(args, &i, "--override")
			key, val, ok := strings.Cut(pair, "=")
			if !ok {
				fmt.Fprintf(os.Stderr, "--override expects id=value, got %q\n", pair)
				os.Exit(1)
			}
			req.InputOverrides[key] = val
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if req.InputNodeID == "" || len(req.OutputNodeIDs) == 0 {
		usage()
		os.Exit(1)
	}

	log := newLogger()
	repo := loadRepo(dir)
	s := findSheet(repo, sheetRef)
	svc, shutdown := buildService(repo, cfgPath, local, log)
	defer shutdown()

	resp, err := svc.Sweep(context.Background(), s, req)
	if err != nil {
		log.Error().Err(err).Msg("sweep failed")
		os.Exit(1)
	}
	printJSON(resp)
	if resp.Error != "" {
		os.Exit(1)
	}
}

func runEmit(args []string) {
	var dir, sheetRef string
	var inputPairs []string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--dir":
			dir = takeValue(args, &i, "--dir")
		case "--sheet":
			sheetRef = takeValue(args, &i, "--sheet")
		case "--input":
			inputPairs = append(inputPairs, takeValue(args, &i, "--input"))
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	log := newLogger()
	repo := loadRepo(dir)
	s := findSheet(repo, sheetRef)
	svc := service.New(repo, worker.LocalExecutor{}, config.Default(), log)

	text, err := svc.EmitScript(context.Background(), s, parseInputs(inputPairs))
	if err != nil {
		log.Error().Err(err).Msg("emit failed")
		os.Exit(1)
	}
	fmt.Print(text)
}

func runValidate(args []string) {
	var dir, sheetRef string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--dir":
			dir = takeValue(args, &i, "--dir")
		case "--sheet":
			sheetRef = takeValue(args, &i, "--sheet")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	repo := loadRepo(dir)
	var targets []*sheet.Sheet
	if sheetRef != "" {
		targets = append(targets, findSheet(repo, sheetRef))
	} else {
		targets = repo.Sheets()
		sort.Slice(targets, func(i, j int) bool { return targets[i].Name < targets[j].Name })
	}

	failed := false
	for _, s := range targets {
		diags := sheet.Validate(s)
		for _, d := range diags {
			fmt.Printf("%s: %s: %s: %s\n", s.Name, d.Severity, d.Rule, d.Message)
			if d.Severity == sheet.SeverityError {
				failed = true
			}
		}
		if len(diags) == 0 {
			fmt.Printf("%s: ok\n", s.Name)
		}
	}
	if failed {
		os.Exit(1)
	}
}
