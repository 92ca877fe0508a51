// Command synccli is a CLI client for the sync engine HTTP API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func usage() {
	fmt.Fprintf(os.Stderr, `synccli
Usage:
  synccli -addr http://HOST:PORT <cmd> [args]

Commands:
  version
  submit     -type <entity_type> [-id <entity_id>] -op CREATE|UPDATE|DELETE [-data <json|->] -owner <id> -org <id> [-ver <n>]
  items      -owner <id> -org <id>
  retry      -id <item_uuid>
  conflicts  -owner <id> -org <id>
  resolve    -id <conflict_uuid> -strategy CLIENT_WINS|SERVER_WINS|MERGE|MANUAL [-data <json|->]
  full-sync  -owner <id> -org <id>
  status
`)
	os.Exit(2)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}

func readData(p string) (map[string]any, error) {
	if p == "" {
		return nil, nil
	}
	var raw []byte
	var err error
	if p == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw = []byte(p)
	}
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("bad payload json: %w", err)
	}
	return m, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// call performs one JSON request and decodes either the result or the
// server's error envelope.
func call(ctx context.Context, method, url string, body any) (json.RawMessage, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return nil, fmt.Errorf("%s", resp.Status)
	}
	return raw, nil
}

// main dispatches subcommands against the HTTP API.
func main() {
	addr := flag.String("addr", "http://localhost:8080", "server base URL")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd := flag.Arg(0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cmd {

	case "version":
		fmt.Printf("synccli %s (%s)\n", version, buildDate)

	case "submit":
		fs := flag.NewFlagSet("submit", flag.ExitOnError)
		etype := fs.String("type", "", "entity type")
		eid := fs.String("id", "", "entity id (optional for CREATE)")
		op := fs.String("op", "", "CREATE|UPDATE|DELETE")
		data := fs.String("data", "", "payload JSON, or - for stdin")
		owner := fs.String("owner", "", "owner id")
		org := fs.String("org", "", "organization id")
		ver := fs.Int64("ver", 0, "client's believed entity version")
		_ = fs.Parse(flag.Args()[1:])
		if *etype == "" || *op == "" || *owner == "" || *org == "" {
			fmt.Fprintln(os.Stderr, "need -type, -op, -owner and -org")
			os.Exit(1)
		}
		payload, err := readData(*data)
		if err != nil {
			fail(err)
		}
		out, err := call(ctx, http.MethodPost, *addr+"/v1/sync/items", map[string]any{
			"entity_type":  *etype,
			"entity_id":    *eid,
			"operation":    *op,
			"payload":      payload,
			"owner":        *owner,
			"organization": *org,
			"version":      *ver,
		})
		if err != nil {
			fail(err)
		}
		os.Stdout.Write(append(out, '\n'))

	case "items":
		fs := flag.NewFlagSet("items", flag.ExitOnError)
		owner := fs.String("owner", "", "owner id")
		org := fs.String("org", "", "organization id")
		_ = fs.Parse(flag.Args()[1:])
		out, err := call(ctx, http.MethodGet, *addr+"/v1/sync/items?owner="+*owner+"&organization="+*org, nil)
		if err != nil {
			fail(err)
		}
		var v any
		_ = json.Unmarshal(out, &v)
		printJSON(v)

	case "retry":
		fs := flag.NewFlagSet("retry", flag.ExitOnError)
		id := fs.String("id", "", "item id")
		_ = fs.Parse(flag.Args()[1:])
		if *id == "" {
			fmt.Fprintln(os.Stderr, "need -id")
			os.Exit(1)
		}
		if _, err := call(ctx, http.MethodPost, *addr+"/v1/sync/items/"+*id+"/retry", nil); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "conflicts":
		fs := flag.NewFlagSet("conflicts", flag.ExitOnError)
		owner := fs.String("owner", "", "owner id")
		org := fs.String("org", "", "organization id")
		_ = fs.Parse(flag.Args()[1:])
		out, err := call(ctx, http.MethodGet, *addr+"/v1/sync/conflicts?owner="+*owner+"&organization="+*org, nil)
		if err != nil {
			fail(err)
		}
		var v any
		_ = json.Unmarshal(out, &v)
		printJSON(v)

	case "resolve":
		fs := flag.NewFlagSet("resolve", flag.ExitOnError)
		id := fs.String("id", "", "conflict id")
		strategy := fs.String("strategy", "", "resolution strategy")
		data := fs.String("data", "", "resolved payload JSON (MANUAL), or - for stdin")
		_ = fs.Parse(flag.Args()[1:])
		if *id == "" || *strategy == "" {
			fmt.Fprintln(os.Stderr, "need -id and -strategy")
			os.Exit(1)
		}
		resolved, err := readData(*data)
		if err != nil {
			fail(err)
		}
		_, err = call(ctx, http.MethodPost, *addr+"/v1/sync/conflicts/"+*id+"/resolve", map[string]any{
			"strategy":      *strategy,
			"resolved_data": resolved,
		})
		if err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "full-sync":
		fs := flag.NewFlagSet("full-sync", flag.ExitOnError)
		owner := fs.String("owner", "", "owner id")
		org := fs.String("org", "", "organization id")
		_ = fs.Parse(flag.Args()[1:])
		out, err := call(ctx, http.MethodPost, *addr+"/v1/sync/full", map[string]any{
			"owner":        *owner,
			"organization": *org,
		})
		if err != nil {
			fail(err)
		}
		var v any
		_ = json.Unmarshal(out, &v)
		printJSON(v)

	case "status":
		out, err := call(ctx, http.MethodGet, *addr+"/v1/sync/status", nil)
		if err != nil {
			fail(err)
		}
		var v any
		_ = json.Unmarshal(out, &v)
		printJSON(v)

	default:
		usage()
	}
}
