package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/jemulator/syncd/internal/dispatch"
	"github.com/jemulator/syncd/internal/logging"
	"github.com/jemulator/syncd/internal/protocol"
	"github.com/jemulator/syncd/internal/store"
	"github.com/jemulator/syncd/internal/ui"
)

var queryCmd = &cobra.Command{
	Use:     "query SQL [PARAM...]",
	GroupID: "data",
	Short:   "Run one operation against the store",
	Long: `Run a single operation the same way a client would.

Parameters are parsed as JSON when possible (42, 1.5, true, null, "text") and
passed as plain strings otherwise.

By default the store file is opened directly. A running daemon with db.watch
enabled notices the write and sends its clients an external db:change without
the operation. With --remote the operation is sent to the daemon over
WebSocket, so clients receive the operation itself.

Example usage:
  syncd query "SELECT * FROM components"
  syncd query --kind get "SELECT * FROM users WHERE id = ?" 1
  syncd query --kind query --remote "UPDATE components SET position_x = ? WHERE id = ?" 250 1`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		kind, _ := cmd.Flags().GetString("kind")
		remote, _ := cmd.Flags().GetBool("remote")
		asJSON, _ := cmd.Flags().GetBool("json")

		payload, err := buildOperation(kind, args[0], args[1:])
		if err != nil {
			fatalf("%v", err)
		}
		op, err := dispatch.ParseOperation(payload)
		if err != nil {
			fatalf("%v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var resp dispatch.Response
		if remote {
			resp, err = executeRemote(ctx, dialAddr(), payload)
			if err != nil {
				fatalf("%v", err)
			}
		} else {
			resp, err = runLocal(ctx, cfg.DB.Path, op)
			if err != nil {
				fatalf("%v", err)
			}
		}

		if !resp.Success {
			fmt.Fprintf(os.Stderr, "%s %s\n", ui.RenderFail("✗"), resp.Error)
			os.Exit(1)
		}
		printData(resp.Data, asJSON)
	},
}

// buildOperation encodes the wire form of an operation from CLI arguments.
func buildOperation(kind, sqlText string, rawParams []string) ([]byte, error) {
	params := make([]any, 0, len(rawParams))
	for _, raw := range rawParams {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		params = append(params, v)
	}

	return json.Marshal(map[string]any{
		"kind":          kind,
		"sqlText":       sqlText,
		"parameters":    params,
		"correlationId": "cli",
	})
}

// runLocal executes op against the store file at path. The store is closed
// before returning so the WAL is checkpointed even when the caller exits.
func runLocal(ctx context.Context, path string, op dispatch.Operation) (dispatch.Response, error) {
	st, err := store.Open(path, logging.Discard())
	if err != nil {
		return dispatch.Response{}, fmt.Errorf("failed to open store: %w", err)
	}
	resp := dispatch.New(st, logging.Discard()).Execute(ctx, op)
	if err := st.Close(); err != nil {
		return resp, fmt.Errorf("failed to close store: %w", err)
	}
	return resp, nil
}

// executeRemote sends one db:operation to a running daemon and waits for the
// matching db:result. Other frames (change notifications) are skipped.
func executeRemote(ctx context.Context, addr string, payload []byte) (dispatch.Response, error) {
	conn, _, err := websocket.Dial(ctx, "ws://"+addr+"/ws", nil)
	if err != nil {
		return dispatch.Response{}, fmt.Errorf("failed to connect to daemon at %s: %w", addr, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	const requestID = "syncd-query"
	frame, err := json.Marshal(protocol.Message{
		Type:      protocol.TypeDBOperation,
		Payload:   payload,
		RequestID: requestID,
	})
	if err != nil {
		return dispatch.Response{}, err
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return dispatch.Response{}, fmt.Errorf("failed to send operation: %w", err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return dispatch.Response{}, fmt.Errorf("failed to read reply: %w", err)
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			return dispatch.Response{}, err
		}

		switch {
		case msg.Type == protocol.TypeDBResult && msg.RequestID == requestID:
			var resp dispatch.Response
			if err := json.Unmarshal(msg.Payload, &resp); err != nil {
				return dispatch.Response{}, fmt.Errorf("invalid db:result: %w", err)
			}
			return resp, nil
		case msg.Type == protocol.TypeError:
			var e protocol.ErrorPayload
			_ = json.Unmarshal(msg.Payload, &e)
			return dispatch.Response{}, fmt.Errorf("daemon error: %s", e.Message)
		}
	}
}

// printData renders rows as a table and anything else as JSON.
func printData(data any, asJSON bool) {
	raw, err := json.Marshal(data)
	if err != nil {
		fatalf("encoding result: %v", err)
	}
	var v any
	_ = json.Unmarshal(raw, &v)

	if !asJSON {
		switch d := v.(type) {
		case []any:
			if rows, ok := asRows(d); ok {
				printRows(rows)
				return
			}
		case map[string]any:
			printRows([]map[string]any{d})
			return
		case nil:
			fmt.Println(ui.RenderMuted("(no rows)"))
			return
		}
	}

	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}

func asRows(items []any) ([]map[string]any, bool) {
	rows := make([]map[string]any, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, false
		}
		rows = append(rows, m)
	}
	return rows, true
}

func printRows(rows []map[string]any) {
	if len(rows) == 0 {
		fmt.Println(ui.RenderMuted("(no rows)"))
		return
	}

	columns := make([]string, 0, len(rows[0]))
	for k := range rows[0] {
		columns = append(columns, k)
	}
	sort.Slice(columns, func(i, j int) bool {
		// id first, the rest alphabetically
		if columns[i] == "id" || columns[j] == "id" {
			return columns[i] == "id"
		}
		return columns[i] < columns[j]
	})

	cells := make([][]string, 0, len(rows))
	for _, r := range rows {
		line := make([]string, len(columns))
		for i, c := range columns {
			if r[c] != nil {
				line[i] = fmt.Sprint(r[c])
			}
		}
		cells = append(cells, line)
	}
	ui.Table(os.Stdout, columns, cells)
	fmt.Printf("\n%s\n", ui.RenderMuted(fmt.Sprintf("%d row(s)", len(rows))))
}

func init() {
	queryCmd.Flags().StringP("kind", "k", "all", "operation kind: query, exec, get or all")
	queryCmd.Flags().Bool("remote", false, "send through the running daemon so clients are notified")
	queryCmd.Flags().Bool("json", false, "print the result as JSON")

	rootCmd.AddCommand(queryCmd)
}
