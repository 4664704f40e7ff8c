package main

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
)

type healthReport struct {
	URL       string `json:"url"`
	Status    int    `json:"status"`
	Healthy   bool   `json:"healthy"`
	LatencyMS int64  `json:"latency_ms"`
}

func healthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Check that the server answers /health",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 5 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			serverURL := strings.TrimRight(c.String("server-url"), "/")
			if serverURL == "" {
				return fmt.Errorf("server-url is required (set SERVER_URL env var or use --server-url)")
			}

			hc := &http.Client{Timeout: c.Duration("timeout")}
			start := time.Now()
			resp, err := hc.Get(serverURL + "/health")
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			resp.Body.Close()

			report := healthReport{
				URL:       serverURL,
				Status:    resp.StatusCode,
				Healthy:   resp.StatusCode == http.StatusOK,
				LatencyMS: time.Since(start).Milliseconds(),
			}
			if !report.Healthy {
				return fmt.Errorf("server returned unhealthy status: %d", resp.StatusCode)
			}
			if jsonMode(c) {
				return output(c, report)
			}
			fmt.Fprintf(stdout, "✓ Server is healthy (%s, %dms)\n", serverURL, report.LatencyMS)
			return nil
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show build information",
		Action: func(c *cli.Context) error {
			goVersion := "unknown"
			if info, ok := debug.ReadBuildInfo(); ok {
				goVersion = info.GoVersion
			}
			if jsonMode(c) {
				return output(c, map[string]string{
					"version": version,
					"commit":  commit,
					"built":   date,
					"go":      goVersion,
				})
			}
			w := newTable()
			fmt.Fprintf(w, "Version:\t%s\n", version)
			fmt.Fprintf(w, "Commit:\t%s\n", commit)
			fmt.Fprintf(w, "Built:\t%s\n", date)
			fmt.Fprintf(w, "Go:\t%s\n", goVersion)
			return w.Flush()
		},
	}
}
