package output

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	evalCountRe = regexp.MustCompile(`(?:^|[^_a-z])eval[_ ]count[=:]\s*"?(\d+)`)
	// llama.cpp timing summary: "eval time = 1234.56 ms / 128 runs"
	evalRunsRe = regexp.MustCompile(`(?:^|[^_a-z])eval time\s*=.*?/\s*(\d+)\s+(?:runs|tokens)`)
)

// ParseEvalCount extracts the number of generated tokens reported by a server log line.
func ParseEvalCount(line string) (int64, bool) {
	s := strings.TrimSpace(line)
	if s == "" {
		return 0, false
	}
	if strings.HasPrefix(s, "{") && gjson.Valid(s) {
		if r := gjson.Get(s, "eval_count"); r.Exists() && r.Int() > 0 {
			return r.Int(), true
		}
		return 0, false
	}
	lower := strings.ToLower(s)
	if strings.Contains(lower, "prompt eval") {
		return 0, false
	}
	for _, re := range []*regexp.Regexp{evalCountRe, evalRunsRe} {
		if m := re.FindStringSubmatch(lower); m != nil {
			n, err := strconv.ParseInt(m[1], 10, 64)
			if err == nil && n > 0 {
				return n, true
			}
		}
	}
	return 0, false
}
