package services

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"harmlab/internal/core/domain"
)

// ParseBulkFlowLog extracts per-interval throughput samples from an iperf3
// text log. Multi-stream runs report aggregate [SUM] lines, which are
// preferred; single-stream runs only have per-stream interval lines. Rates
// are normalized to Mbps. Malformed lines are skipped: an empty result is a
// collection problem for the caller to classify, never a parse failure.
func ParseBulkFlowLog(r io.Reader) []domain.ThroughputSample {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	hasSum := false
	for _, line := range lines {
		if strings.Contains(line, "[SUM]") {
			hasSum = true
			break
		}
	}

	var samples []domain.ThroughputSample
	for _, line := range lines {
		if !strings.Contains(line, "bits/sec") {
			continue
		}
		if hasSum {
			if !strings.Contains(line, "[SUM]") {
				continue
			}
		} else if strings.Contains(line, "[ ID]") || !strings.Contains(line, "[") {
			continue
		}

		mbps, ok := parseRate(line)
		if !ok {
			continue
		}
		samples = append(samples, domain.ThroughputSample{
			FlowID: flowID(line, hasSum),
			Mbps:   mbps,
		})
	}
	return samples
}

// parseRate finds the "<value> <unit>bits/sec" pair on an interval line.
func parseRate(line string) (float64, bool) {
	fields := strings.Fields(line)
	for i, field := range fields {
		if !strings.Contains(field, "bits/sec") {
			continue
		}
		if i == 0 {
			return 0, false
		}
		val, err := strconv.ParseFloat(fields[i-1], 64)
		if err != nil {
			return 0, false
		}
		switch {
		case strings.Contains(field, "Gbits"):
			val *= 1000
		case strings.Contains(field, "Kbits"):
			val /= 1000
		}
		return val, true
	}
	return 0, false
}

// flowID pulls the stream identifier out of the leading "[  5]" bracket.
func flowID(line string, hasSum bool) string {
	if hasSum {
		return "sum"
	}
	open := strings.Index(line, "[")
	end := strings.Index(line, "]")
	if open < 0 || end <= open {
		return "unknown"
	}
	return strings.TrimSpace(line[open+1 : end])
}
