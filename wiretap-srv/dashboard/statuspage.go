// Package dashboard renders the statistics page the proxy serves to requests
// addressed to itself and guards it with bearer tokens.
package dashboard

//go:generate go run github.com/a-h/templ/cmd/templ@v0.3.960 generate

import "strconv"

// seconds formats a duration in seconds with millisecond precision.
func seconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
