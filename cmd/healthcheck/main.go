// Command healthcheck queries the relay's health endpoint for container
// HEALTHCHECK use. It exits non-zero unless the endpoint answers 200.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"time"
)

func main() {
	path := flag.String("path", "/healthz", "endpoint to request, e.g. /readyz")
	flag.Parse()

	client := &http.Client{Timeout: 3 * time.Second}
	ctx := context.Background()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL(os.Getenv("HTTP_ADDR"), *path), nil)
	if err != nil {
		os.Exit(1)
	}
	resp, err := client.Do(req)
	if err != nil {
		os.Exit(1)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}

// healthURL targets localhost on the port of addr (":8080" when unset).
func healthURL(addr, path string) string {
	port := "8080"
	if _, p, err := net.SplitHostPort(addr); err == nil && p != "" {
		port = p
	}
	return "http://" + net.JoinHostPort("localhost", port) + path
}
