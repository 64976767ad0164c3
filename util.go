package main

// Small helpers used across the daemon.

import (
	"fmt"
	"os"
	"strings"
	"time"
)

func nowMS() int64 { return time.Now().UnixMilli() }

func msDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

func getenvDefault(getenv func(string) string, k, def string) string {
	v := getenv(k)
	if v == "" {
		return def
	}
	return v
}

func getenvIntDefault(getenv func(string) string, k string, def int) int {
	v := getenv(k)
	if v == "" {
		return def
	}
	var out int
	_, err := fmt.Sscanf(v, "%d", &out)
	if err != nil {
		return def
	}
	return out
}

func getenvBoolDefault(getenv func(string) string, k string, def bool) bool {
	v := getenv(k)
	if v == "" {
		return def
	}
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "1" || v == "true" || v == "yes" || v == "y" {
		return true
	}
	if v == "0" || v == "false" || v == "no" || v == "n" {
		return false
	}
	return def
}

// getenvListDefault splits a comma separated variable, dropping empty items.
func getenvListDefault(getenv func(string) string, k string, def []string) []string {
	v := getenv(k)
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// osGetenv is the production lookup; tests pass a map-backed one.
var osGetenv = os.Getenv
