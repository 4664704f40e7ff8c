package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

// stdout is where command output goes; tests swap it for a buffer.
var stdout io.Writer = os.Stdout

// jsonMode reports whether output should be JSON rather than human text.
func jsonMode(c *cli.Context) bool {
	return c.Bool("json") || c.String("jq") != ""
}

// output writes v as indented JSON, filtered through --jq when set.
func output(c *cli.Context, v interface{}) error {
	filter := c.String("jq")
	if filter == "" {
		return outputJSON(v)
	}

	code, err := compileJQ(filter)
	if err != nil {
		return err
	}
	results, err := runJQ(code, v)
	if err != nil {
		return err
	}
	for _, r := range results {
		if s, ok := r.(string); ok {
			fmt.Fprintln(stdout, s)
			continue
		}
		if err := outputJSON(r); err != nil {
			return err
		}
	}
	return nil
}

// newTable returns a tabwriter on stdout aligned the way every table in
// the CLI is. Callers must Flush.
func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
}

// outputJSON writes v as indented JSON.
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func compileJQ(filter string) (*gojq.Code, error) {
	query, err := gojq.Parse(filter)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
	}
	return code, nil
}

// runJQ evaluates code against v. gojq only accepts plain JSON values, so v
// is round-tripped through encoding/json first.
func runJQ(code *gojq.Code, v interface{}) ([]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal output: %w", err)
	}
	var input interface{}
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("failed to unmarshal output: %w", err)
	}

	var results []interface{}
	iter := code.Run(input)
	for {
		r, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := r.(error); isErr {
			return nil, fmt.Errorf("jq filter failed: %w", err)
		}
		results = append(results, r)
	}
	return results, nil
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

// matchesJQ reports whether every filter yields a truthy first result for v.
func matchesJQ(codes []*gojq.Code, v interface{}) bool {
	for _, code := range codes {
		results, err := runJQ(code, v)
		if err != nil || len(results) == 0 || !isTruthy(results[0]) {
			return false
		}
	}
	return true
}
