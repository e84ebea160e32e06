package main

import (
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/codefionn/wiretap/wiretap-srv/logger"
	"github.com/codefionn/wiretap/wiretap-srv/proxy"
)

// TestResult represents the outcome of a single test case.
type TestResult struct {
	Name     string        `json:"name"`
	URL      string        `json:"url"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Status   int           `json:"status"`
}

// TestSuite manages a collection of test cases against a proxy server.
type TestSuite struct {
	ProxyURL string
	Client   *http.Client
	Token    string
	Results  []TestResult
}

// testCase issues one request and judges the reply.
type testCase struct {
	name    string
	url     string
	method  string
	body    string
	headers map[string]string
	check   func(resp *http.Response, body []byte) bool
}

func main() {
	proxyAddr := flag.String("proxy", "127.0.0.1:8080", "Proxy address (host:port)")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	timeout := flag.Int("timeout", 30, "Request timeout in seconds")
	token := flag.String("token", "", "Bearer token for a protected status page")
	skipRemote := flag.Bool("local", false, "Only test the status page, no remote targets")
	skipHTTPS := flag.Bool("no-https", false, "Skip CONNECT tests")
	jsonOutput := flag.Bool("json", false, "Print results as JSON")
	flag.Parse()

	logger.SetLevel(logger.INFO)
	if *verbose {
		logger.SetLevel(logger.DEBUG)
	}

	proxyURL, err := url.Parse("http://" + *proxyAddr)
	if err != nil {
		logger.Fatal("Invalid proxy address: %v", err)
	}

	suite := &TestSuite{
		ProxyURL: proxyURL.String(),
		Token:    *token,
		Client: &http.Client{
			Timeout: time.Duration(*timeout) * time.Second,
			Transport: &http.Transport{
				Proxy:              http.ProxyURL(proxyURL),
				DisableKeepAlives:  true,
				DisableCompression: true,
				// The proxy answers CONNECT with its own certificate in terminate mode.
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
			// Redirects are passed through to the client unchanged.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}

	logger.Info("Starting proxy tests with proxy: %s", suite.ProxyURL)

	logger.Info("Running status page tests...")
	suite.run(suite.statusPageTests())

	if !*skipRemote {
		logger.Info("Running httpbin.org tests...")
		suite.run(suite.httpbinTests())
		if !*skipHTTPS {
			logger.Info("Running CONNECT tests...")
			suite.run(suite.connectTests())
		}
	}

	if *jsonOutput {
		suite.printJSON()
	} else {
		suite.printResults()
	}
}

func (ts *TestSuite) statusPageTests() []testCase {
	headers := map[string]string{}
	if ts.Token != "" {
		headers["Authorization"] = "Bearer " + ts.Token
	}
	return []testCase{
		{
			name:    "status-page",
			url:     "http://" + proxy.StatusHost + "/",
			headers: headers,
			check: func(resp *http.Response, body []byte) bool {
				return resp.StatusCode == http.StatusOK &&
					strings.Contains(string(body), "Number of Transactions Processed Total")
			},
		},
	}
}

func (ts *TestSuite) httpbinTests() []testCase {
	ok := func(resp *http.Response, _ []byte) bool { return resp.StatusCode == http.StatusOK }
	return []testCase{
		{name: "httpbin-ip", url: "http://httpbin.org/ip", check: ok},
		{name: "httpbin-headers", url: "http://httpbin.org/headers", check: ok},
		{
			name:    "httpbin-post",
			url:     "http://httpbin.org/post",
			method:  http.MethodPost,
			body:    "test=data&proxy=wiretap",
			headers: map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
			check: func(resp *http.Response, body []byte) bool {
				return resp.StatusCode == http.StatusOK && strings.Contains(string(body), "wiretap")
			},
		},
		{
			name: "httpbin-json",
			url:  "http://httpbin.org/json",
			check: func(resp *http.Response, body []byte) bool {
				var data map[string]any
				return resp.StatusCode == http.StatusOK && json.Unmarshal(body, &data) == nil
			},
		},
		{
			name: "httpbin-redirect",
			url:  "http://httpbin.org/redirect/1",
			check: func(resp *http.Response, _ []byte) bool {
				return resp.StatusCode == http.StatusFound && resp.Header.Get("Location") != ""
			},
		},
		{
			name: "httpbin-status-404",
			url:  "http://httpbin.org/status/404",
			check: func(resp *http.Response, _ []byte) bool {
				return resp.StatusCode == http.StatusNotFound
			},
		},
	}
}

func (ts *TestSuite) connectTests() []testCase {
	return []testCase{
		{
			name: "httpbin-https",
			url:  "https://httpbin.org/ip",
			check: func(resp *http.Response, _ []byte) bool {
				return resp.StatusCode == http.StatusOK
			},
		},
	}
}

func (ts *TestSuite) run(tests []testCase) {
	for _, test := range tests {
		logger.Debug("Running test: %s", test.name)
		result := ts.execute(test)
		result.Name = test.name
		result.URL = test.url
		ts.Results = append(ts.Results, result)
	}
}

func (ts *TestSuite) execute(test testCase) TestResult {
	start := time.Now()

	method := test.method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if test.body != "" {
		body = strings.NewReader(test.body)
	}
	req, err := http.NewRequest(method, test.url, body)
	if err != nil {
		return TestResult{
			Success:  false,
			Duration: time.Since(start),
			Error:    fmt.Sprintf("Failed to create request: %v", err),
		}
	}
	req.Header.Set("User-Agent", "wiretap-proxy-test/1.0")
	for name, value := range test.headers {
		req.Header.Set(name, value)
	}

	resp, err := ts.Client.Do(req)
	duration := time.Since(start)
	if err != nil {
		return TestResult{
			Success:  false,
			Duration: duration,
			Error:    fmt.Sprintf("Request failed: %v", err),
		}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return TestResult{
			Success:  false,
			Duration: duration,
			Status:   resp.StatusCode,
			Error:    fmt.Sprintf("Failed to read response: %v", err),
		}
	}
	logger.Debug("Response for %s: %d bytes, status %d", test.url, len(data), resp.StatusCode)

	return TestResult{
		Success:  test.check(resp, data),
		Duration: duration,
		Status:   resp.StatusCode,
	}
}

func (ts *TestSuite) failed() int {
	failed := 0
	for _, result := range ts.Results {
		if !result.Success {
			failed++
		}
	}
	return failed
}

func (ts *TestSuite) printJSON() {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(ts.Results); err != nil {
		logger.Fatal("Failed to encode results: %v", err)
	}
	if ts.failed() > 0 {
		os.Exit(1)
	}
}

func (ts *TestSuite) printResults() {
	fmt.Printf("\n=== Proxy Test Results ===\n")
	fmt.Printf("Proxy: %s\n\n", ts.ProxyURL)

	for _, result := range ts.Results {
		status := "✓ PASS"
		if !result.Success {
			status = "✗ FAIL"
		}

		fmt.Printf("%-20s %s (%d) %v\n",
			result.Name,
			status,
			result.Status,
			result.Duration.Round(time.Millisecond))

		if result.Error != "" {
			fmt.Printf("                     Error: %s\n", result.Error)
		}
	}

	failed := ts.failed()
	fmt.Printf("\n=== Summary ===\n")
	fmt.Printf("Total tests: %d\n", len(ts.Results))
	fmt.Printf("Passed: %d\n", len(ts.Results)-failed)
	fmt.Printf("Failed: %d\n", failed)

	if failed > 0 {
		fmt.Printf("\nSome tests failed. Check proxy configuration and connectivity.\n")
		os.Exit(1)
	}
	fmt.Printf("\nAll tests passed! Proxy is working correctly.\n")
}
