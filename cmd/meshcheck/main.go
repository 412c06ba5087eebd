// meshcheck is the pre-flight diagnostic for a running mesh: it hits the
// health surfaces and exits non-zero when anything fails.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"
)

type check struct {
	Name string
	Test func(client *http.Client, base string) error
}

func main() {
	base := flag.String("mesh", "http://localhost:8080", "base URL of the mesh API")
	timeout := flag.Duration("timeout", 5*time.Second, "per-check timeout")
	flag.Parse()

	fmt.Println("\033[96mEpoch Mesh - Pre-Flight Diagnostic\033[0m")
	fmt.Println("---------------------------------------------------------")

	checks := []check{
		{"Liveness (/health)", checkHealth},
		{"Dependencies (/health/deep)", checkDeepHealth},
		{"Simulation (/api/simulation/status)", checkSimulation},
		{"Pipeline (/api/status)", checkStatus},
	}

	client := &http.Client{Timeout: *timeout}
	failed := 0
	for _, c := range checks {
		fmt.Printf("Checking %-35s ", c.Name+"...")
		if err := c.Test(client, *base); err != nil {
			fmt.Println("\033[31m[FAIL]\033[0m")
			fmt.Printf("  >> Error: %v\n", err)
			failed++
		} else {
			fmt.Println("\033[32m[OK]\033[0m")
		}
	}

	fmt.Println("---------------------------------------------------------")
	if failed > 0 {
		fmt.Printf("\033[31mStatus: %d check(s) failed.\033[0m\n", failed)
		os.Exit(1)
	}
	fmt.Println("\033[96mStatus: Mesh ready for traffic.\033[0m")
}

func getJSON(client *http.Client, url string, out interface{}) (int, error) {
	resp, err := client.Get(url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s: %w", url, err)
		}
	}
	return resp.StatusCode, nil
}

func checkHealth(client *http.Client, base string) error {
	var body struct {
		Status string `json:"status"`
	}
	code, err := getJSON(client, base+"/health", &body)
	if err != nil {
		return err
	}
	if code != http.StatusOK || body.Status != "ok" {
		return fmt.Errorf("status %d, body status %q", code, body.Status)
	}
	return nil
}

func checkDeepHealth(client *http.Client, base string) error {
	var body struct {
		Status string `json:"status"`
	}
	code, err := getJSON(client, base+"/health/deep", &body)
	if err != nil {
		return err
	}
	switch {
	case code != http.StatusOK:
		return fmt.Errorf("mesh reports down (HTTP %d)", code)
	case body.Status == "degraded":
		return fmt.Errorf("mesh degraded: backend writes are buffering")
	}
	return nil
}

func checkSimulation(client *http.Client, base string) error {
	var body struct {
		Infestation struct {
			IsPlagueHeart bool `json:"is_plague_heart"`
		} `json:"infestation"`
	}
	code, err := getJSON(client, base+"/api/simulation/status", &body)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return fmt.Errorf("HTTP %d", code)
	}
	if body.Infestation.IsPlagueHeart {
		return fmt.Errorf("plague heart active, production throttled")
	}
	return nil
}

func checkStatus(client *http.Client, base string) error {
	code, err := getJSON(client, base+"/api/status", nil)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return fmt.Errorf("HTTP %d", code)
	}
	return nil
}
