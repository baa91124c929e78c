// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package worker

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// maxListItems caps how many entries fmtList prints.
const maxListItems = 32

// fmtMs formats a duration as fractional milliseconds, e.g. "12.3 ms".
func fmtMs(d time.Duration) string {
	return fmt.Sprintf("%.1f ms", float64(d)/float64(time.Millisecond))
}

// fmtBytes formats a byte count as B, KB or MB.
func fmtBytes(n int) string {
	if n < 1024 {
		return fmt.Sprintf("%d B", n)
	}
	kb := float64(n) / 1024
	if kb < 1024 {
		return fmt.Sprintf("%.2f KB", kb)
	}
	return fmt.Sprintf("%.2f MB", kb/1024)
}

// fmtList formats up to maxListItems values as "[a, b, c]" followed by a
// count of the omitted tail.
func fmtList[T any](values []T) string {
	return fmtListWith(values, func(v T) string { return fmt.Sprint(v) })
}

// fmtMsList is fmtList over durations rendered with fmtMs.
func fmtMsList(values []time.Duration) string {
	return fmtListWith(values, fmtMs)
}

func fmtListWith[T any](values []T, format func(T) string) string {
	shown := values
	if len(shown) > maxListItems {
		shown = shown[:maxListItems]
	}
	parts := make([]string, len(shown))
	for i, v := range shown {
		parts[i] = format(v)
	}
	out := "[" + strings.Join(parts, ", ") + "]"
	if extra := len(values) - len(shown); extra > 0 {
		out += fmt.Sprintf(" … (+%d more)", extra)
	}
	return out
}

// durationStats returns the average, minimum and maximum of ds. All zero for
// an empty slice.
func durationStats(ds []time.Duration) (avg, lo, hi time.Duration) {
	if len(ds) == 0 {
		return 0, 0, 0
	}
	lo = ds[0]
	var sum time.Duration
	for _, d := range ds {
		sum += d
		lo = min(lo, d)
		hi = max(hi, d)
	}
	return sum / time.Duration(len(ds)), lo, hi
}

// indentJSON renders v as two-space indented JSON, or the error text.
func indentJSON(v any) string {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("<unprintable: %v>", err)
	}
	return string(out)
}

// msValue converts a duration to float milliseconds for result documents.
func msValue(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
