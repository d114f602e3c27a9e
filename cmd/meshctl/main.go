// Command-line tools for mesh_mapper.
//
// replay feeds a captured receiver log (one frame per line, log noise
// before the JSON is tolerated) through the same normalizer and store the
// server uses and prints the resulting records, CoT events, a KML snapshot
// or a CSV history. lookup runs a
// single registry query, optionally through the persisted cache. ports lists
// the serial ports present on the host.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"mesh_mapper/internal/cot"
	"mesh_mapper/internal/detection"
	"mesh_mapper/internal/export"
	"mesh_mapper/internal/logging"
	"mesh_mapper/internal/registry"
	"mesh_mapper/internal/source"
	"mesh_mapper/internal/storage"
)

type Stats struct {
	Lines      int
	Records    int
	Heartbeats int
	NoID       int
	Malformed  int
	Events     int
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "meshctl - commands:")
	fmt.Fprintln(w, "  replay  - run a JSONL capture through the store and print the result")
	fmt.Fprintln(w, "  lookup  - query the FAA registry for a remote id")
	fmt.Fprintln(w, "  ports   - list serial ports")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  meshctl replay -input capture.jsonl [-output out.json] [-format json|cot|kml|csv] [-pretty] [-stats]")
	fmt.Fprintln(w, "  meshctl lookup -remote-id ID [-aircraft-id MAC -sqlite mesh_mapper.db]")
	fmt.Fprintln(w, "  meshctl ports")
	fmt.Fprintln(w, "")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}
	cmd := strings.ToLower(os.Args[1])
	switch cmd {
	case "replay":
		runReplay(os.Args[2:])
	case "lookup":
		runLookup(os.Args[2:])
	case "ports":
		runPorts()
	case "-h", "--help", "help":
		usage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage(os.Stderr)
		os.Exit(2)
	}
}

func runReplay(args []string) {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	inPath := fs.String("input", "", "Input JSONL file (default: stdin)")
	outPath := fs.String("output", "", "Output file (default: stdout)")
	feed := fs.String("feed", "replay", "Feed name recorded as the record source")
	pretty := fs.Bool("pretty", false, "Pretty-print JSON output")
	format := fs.String("format", "json", "Output format: json, cot, kml or csv")
	stale := fs.Duration("stale", time.Minute, "CoT stale offset")
	showStats := fs.Bool("stats", false, "Print basic counters to stderr")
	_ = fs.Parse(args)

	switch *format {
	case "json", "cot", "kml", "csv":
	default:
		fmt.Fprintf(os.Stderr, "Unknown format: %s\n", *format)
		os.Exit(2)
	}
	asCoT := *format == "cot"

	var r io.Reader = os.Stdin
	if *inPath != "" {
		f, err := os.Open(*inPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open input: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		r = f
	}

	var wout io.Writer = os.Stdout
	if *outPath != "" {
		f, err := os.Create(*outPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create output: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		wout = f
	}

	norm := source.NewNormalizer(*feed)
	store := detection.NewStore()
	st := &Stats{}
	var records []detection.Record

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		st.Lines++
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		rec, err := norm.Normalize(line)
		switch {
		case errors.Is(err, source.ErrHeartbeat):
			st.Heartbeats++
			continue
		case errors.Is(err, source.ErrNoAircraftID):
			st.NoID++
			continue
		case err != nil:
			st.Malformed++
			continue
		}

		updated, err := store.Update(rec)
		if err != nil {
			st.NoID++
			continue
		}
		st.Records++

		if !asCoT {
			records = append(records, updated)
			continue
		}
		now := time.Now()
		for _, build := range []func(detection.Record, time.Time, time.Duration, string) (cot.Event, bool){
			cot.NewDroneEvent, cot.NewPilotEvent,
		} {
			ev, ok := build(updated, now, *stale, "")
			if !ok {
				break
			}
			b, err := ev.Marshal()
			if err != nil {
				fmt.Fprintf(os.Stderr, "CoT encode error: %v\n", err)
				os.Exit(1)
			}
			_, _ = wout.Write(append(b, '\n'))
			st.Events++
		}
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Input read error: %v\n", err)
		os.Exit(1)
	}

	switch *format {
	case "kml":
		snap := store.Snapshot()
		final := make([]detection.Record, 0, len(snap))
		for _, rec := range snap {
			final = append(final, rec)
		}
		if err := export.WriteKML(wout, export.BuildKML(final, nil, time.Now())); err != nil {
			fmt.Fprintf(os.Stderr, "KML encode error: %v\n", err)
			os.Exit(1)
		}
	case "csv":
		if err := export.WriteHistoryCSV(wout, store.History(0, 0)); err != nil {
			fmt.Fprintf(os.Stderr, "CSV encode error: %v\n", err)
			os.Exit(1)
		}
	case "json":
		if records == nil {
			records = []detection.Record{}
		}
		enc, err := marshalJSON(records, *pretty)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON encode error: %v\n", err)
			os.Exit(1)
		}
		_, _ = wout.Write(enc)
		if wout == os.Stdout {
			_, _ = wout.Write([]byte("\n"))
		}
	}

	if *showStats {
		fmt.Fprintf(os.Stderr,
			"stats: lines=%d records=%d aircraft=%d skipped(heartbeat=%d no_id=%d malformed=%d) cot_events=%d\n",
			st.Lines, st.Records, store.Len(), st.Heartbeats, st.NoID, st.Malformed, st.Events,
		)
	}
}

func runLookup(args []string) {
	fs := flag.NewFlagSet("lookup", flag.ExitOnError)
	remoteID := fs.String("remote-id", "", "Remote id (serial number) to query")
	aircraftID := fs.String("aircraft-id", "", "Aircraft id; with -sqlite the result is cached under it")
	sqlitePath := fs.String("sqlite", "", "Registry cache database")
	baseURL := fs.String("base-url", registry.DefaultBaseURL, "Registry base URL")
	timeout := fs.Duration("timeout", 30*time.Second, "Overall query timeout")
	pretty := fs.Bool("pretty", true, "Pretty-print JSON output")
	_ = fs.Parse(args)

	if *remoteID == "" {
		fmt.Fprintln(os.Stderr, "-remote-id is required")
		os.Exit(2)
	}

	logger := logging.NewFromEnv()
	cfg := registry.DefaultClientConfig()
	cfg.BaseURL = *baseURL
	cfg.Timeout = *timeout
	client := registry.NewClient(cfg, logger)
	ctx := context.Background()

	var out any
	if *sqlitePath != "" && *aircraftID != "" {
		db, err := storage.Open(*sqlitePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()
		cache, err := registry.NewCache(ctx, db)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading registry cache: %v\n", err)
			os.Exit(1)
		}
		svc := registry.NewLookupService(cache, detection.NewStore(), client, logger, nil)
		res, err := svc.Refresh(ctx, *aircraftID, *remoteID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Lookup failed: %v\n", err)
			os.Exit(1)
		}
		out = res
	} else {
		payload, err := client.Query(ctx, *remoteID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Query failed: %v\n", err)
			os.Exit(1)
		}
		if !registry.HasRecords(payload) {
			fmt.Fprintf(os.Stderr, "No registry records for %s\n", *remoteID)
		}
		out = payload
	}

	enc, err := marshalJSON(out, *pretty)
	if err != nil {
		fmt.Fprintf(os.Stderr, "JSON encode error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(enc))
}

func runPorts() {
	ports, err := source.ListSerialPorts()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list ports: %v\n", err)
		os.Exit(1)
	}
	for _, p := range ports {
		fmt.Println(p)
	}
}

func marshalJSON(v any, pretty bool) ([]byte, error) {
	if pretty {
		return json.MarshalIndent(v, "", "  ")
	}
	return json.Marshal(v)
}
