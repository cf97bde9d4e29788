package tools

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hwk-1212/kk-ai-nl2sql/pkg/httpclient"
)

// defaultSQLRowLimit caps rows returned by execute_sql.
const defaultSQLRowLimit = 100

// BuiltinOptions configures the default builtin set.
type BuiltinOptions struct {
	// SQLRowLimit caps execute_sql result rows (0 = default).
	SQLRowLimit int
	// WebSearchURL is the search backend endpoint; empty degrades web_search.
	WebSearchURL string
	// WebSearchAPIKey authenticates against the search backend.
	WebSearchAPIKey string
}

// RegisterDefaults registers the process-wide builtins: table inspection,
// read-only SQL execution, chart recommendation and web search.
func RegisterDefaults(set *BuiltinSet, opts BuiltinOptions) error {
	rowLimit := opts.SQLRowLimit
	if rowLimit <= 0 {
		rowLimit = defaultSQLRowLimit
	}

	builtins := []*BuiltinTool{
		{
			Name:        "inspect_tables",
			Description: "列出当前数据库中的所有数据表。",
			Parameters: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
			CtxFn: inspectTables,
		},
		{
			Name:        "inspect_table_schema",
			Description: "查看指定数据表的字段结构。",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"table": map[string]interface{}{
						"type":        "string",
						"description": "表名",
					},
				},
				"required": []interface{}{"table"},
			},
			CtxFn: inspectTableSchema,
		},
		{
			Name:        "execute_sql",
			Description: "执行只读 SQL 查询 (仅支持 SELECT)，返回 JSON 结果。",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"sql": map[string]interface{}{
						"type":        "string",
						"description": "要执行的 SELECT 语句",
					},
				},
				"required": []interface{}{"sql"},
			},
			CtxFn: executeSQLWithLimit(rowLimit),
		},
		{
			Name:        "recommend_chart",
			Description: "根据列名和数据特征推荐合适的图表类型。",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"columns": map[string]interface{}{
						"type":        "array",
						"items":       map[string]interface{}{"type": "string"},
						"description": "结果集的列名",
					},
					"numeric_columns": map[string]interface{}{
						"type":        "array",
						"items":       map[string]interface{}{"type": "string"},
						"description": "数值类型的列名",
					},
					"row_count": map[string]interface{}{
						"type":        "integer",
						"description": "结果行数",
					},
				},
				"required": []interface{}{"columns"},
			},
			Fn: recommendChart,
		},
		{
			Name:        "web_search",
			Description: "联网搜索，返回与查询相关的网页摘要。",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]interface{}{
						"type":        "string",
						"description": "搜索关键词",
					},
				},
				"required": []interface{}{"query"},
			},
			Fn: webSearch(opts.WebSearchURL, opts.WebSearchAPIKey),
		},
	}

	for _, t := range builtins {
		if err := set.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func inspectTables(ctx context.Context, _ map[string]interface{}, ec *ExecContext) (string, error) {
	if ec == nil || ec.DB == nil {
		return "", fmt.Errorf("no database available")
	}

	var query string
	switch ec.Dialect {
	case "postgres":
		query = `SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' ORDER BY table_name`
	case "mysql":
		query = `SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() ORDER BY table_name`
	default:
		query = `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`
	}

	rows, err := ec.DB.QueryContext(ctx, query)
	if err != nil {
		return "", fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return "", err
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	if len(tables) == 0 {
		return "数据库中没有数据表。", nil
	}
	return strings.Join(tables, "\n"), nil
}

func inspectTableSchema(ctx context.Context, args map[string]interface{}, ec *ExecContext) (string, error) {
	if ec == nil || ec.DB == nil {
		return "", fmt.Errorf("no database available")
	}
	table, _ := args["table"].(string)
	if table == "" {
		return "", fmt.Errorf("table is required")
	}

	type column struct {
		Name     string `json:"name"`
		Type     string `json:"type"`
		Nullable bool   `json:"nullable"`
	}
	var columns []column

	switch ec.Dialect {
	case "postgres", "mysql":
		schemaFilter := "table_schema = 'public'"
		if ec.Dialect == "mysql" {
			schemaFilter = "table_schema = DATABASE()"
		}
		query := fmt.Sprintf(`SELECT column_name, data_type, is_nullable FROM information_schema.columns WHERE %s AND table_name = %s ORDER BY ordinal_position`,
			schemaFilter, placeholder(ec.Dialect, 1))
		rows, err := ec.DB.QueryContext(ctx, query, table)
		if err != nil {
			return "", fmt.Errorf("failed to inspect %s: %w", table, err)
		}
		defer rows.Close()
		for rows.Next() {
			var c column
			var nullable string
			if err := rows.Scan(&c.Name, &c.Type, &nullable); err != nil {
				return "", err
			}
			c.Nullable = strings.EqualFold(nullable, "YES")
			columns = append(columns, c)
		}
		if err := rows.Err(); err != nil {
			return "", err
		}

	default:
		// PRAGMA does not support bound parameters for the table name.
		if !isSafeIdentifier(table) {
			return "", fmt.Errorf("invalid table name %q", table)
		}
		rows, err := ec.DB.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
		if err != nil {
			return "", fmt.Errorf("failed to inspect %s: %w", table, err)
		}
		defer rows.Close()
		for rows.Next() {
			var cid int
			var name, ctype string
			var notNull int
			var dflt sql.NullString
			var pk int
			if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
				return "", err
			}
			columns = append(columns, column{Name: name, Type: ctype, Nullable: notNull == 0})
		}
		if err := rows.Err(); err != nil {
			return "", err
		}
	}

	if len(columns) == 0 {
		return "", fmt.Errorf("table %q not found", table)
	}

	out, err := json.MarshalIndent(columns, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func executeSQLWithLimit(rowLimit int) BuiltinCtxFunc {
	return func(ctx context.Context, args map[string]interface{}, ec *ExecContext) (string, error) {
		if ec == nil || ec.DB == nil {
			return "", fmt.Errorf("no database available")
		}
		query, _ := args["sql"].(string)
		query = strings.TrimSpace(query)
		if query == "" {
			return "", fmt.Errorf("sql is required")
		}

		upper := strings.ToUpper(query)
		if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
			return "", fmt.Errorf("仅支持 SELECT 查询")
		}

		rows, err := ec.DB.QueryContext(ctx, query)
		if err != nil {
			return "", fmt.Errorf("query failed: %w", err)
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			return "", err
		}

		var results []map[string]interface{}
		for rows.Next() {
			if len(results) >= rowLimit {
				break
			}
			values := make([]interface{}, len(cols))
			ptrs := make([]interface{}, len(cols))
			for i := range values {
				ptrs[i] = &values[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return "", err
			}
			row := make(map[string]interface{}, len(cols))
			for i, col := range cols {
				v := values[i]
				if b, ok := v.([]byte); ok {
					v = string(b)
				}
				row[col] = v
			}
			results = append(results, row)
		}
		if err := rows.Err(); err != nil {
			return "", err
		}

		out, err := json.Marshal(map[string]interface{}{
			"columns":   cols,
			"rows":      results,
			"row_count": len(results),
		})
		if err != nil {
			return "", err
		}
		return string(out), nil
	}
}

func recommendChart(_ context.Context, args map[string]interface{}) (string, error) {
	columns := toStringSlice(args["columns"])
	numeric := toStringSlice(args["numeric_columns"])
	rowCount := 0
	if n, ok := args["row_count"].(float64); ok {
		rowCount = int(n)
	}

	chart := "table"
	reason := "数据结构不适合可视化，建议使用表格展示。"

	switch {
	case len(numeric) == 1 && len(columns) == 2 && rowCount > 0 && rowCount <= 10:
		chart = "pie"
		reason = "单一数值列且类别较少，适合饼图展示占比。"
	case len(numeric) >= 1 && len(columns) >= 2 && rowCount > 10:
		chart = "line"
		reason = "数据点较多，适合折线图展示趋势。"
	case len(numeric) >= 1 && len(columns) >= 2:
		chart = "bar"
		reason = "包含数值列与类别列，适合柱状图对比。"
	}

	out, err := json.Marshal(map[string]interface{}{
		"chart_type": chart,
		"reason":     reason,
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func webSearch(baseURL, apiKey string) BuiltinFunc {
	client := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: CallTimeout}),
		httpclient.WithMaxRetries(1),
	)

	return func(ctx context.Context, args map[string]interface{}) (string, error) {
		query, _ := args["query"].(string)
		if query == "" {
			return "", fmt.Errorf("query is required")
		}
		if baseURL == "" {
			return "联网搜索未配置，无法执行搜索。", nil
		}

		payload, err := json.Marshal(map[string]interface{}{"query": query})
		if err != nil {
			return "", err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL, bytes.NewReader(payload))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		if apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+apiKey)
		}

		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("search request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, webhookResponseCap*4))
		if err != nil {
			return "", err
		}
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("search failed with HTTP %d", resp.StatusCode)
		}
		return truncate(prettyJSON(body), webhookResponseCap), nil
	}
}

func placeholder(dialect string, n int) string {
	if dialect == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func isSafeIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}

func toStringSlice(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
