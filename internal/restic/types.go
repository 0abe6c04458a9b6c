// Package restic decodes the JSON output of the restic binary.
package restic

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Snapshot is one entry of `restic snapshots --json`.
type Snapshot struct {
	ID       string    `json:"id"`
	ShortID  string    `json:"short_id"`
	Time     time.Time `json:"time"`
	Hostname string    `json:"hostname"`
	Username string    `json:"username"`
	Paths    []string  `json:"paths"`
	Tags     []string  `json:"tags"`
}

// BackupSummary is the final message of `restic backup --json`.
type BackupSummary struct {
	MessageType         string  `json:"message_type"`
	FilesNew            uint64  `json:"files_new"`
	FilesChanged        uint64  `json:"files_changed"`
	FilesUnmodified     uint64  `json:"files_unmodified"`
	DirsNew             uint64  `json:"dirs_new"`
	DirsChanged         uint64  `json:"dirs_changed"`
	DirsUnmodified      uint64  `json:"dirs_unmodified"`
	DataAdded           uint64  `json:"data_added"`
	TotalFilesProcessed uint64  `json:"total_files_processed"`
	TotalBytesProcessed uint64  `json:"total_bytes_processed"`
	TotalDuration       float64 `json:"total_duration"`
	SnapshotID          string  `json:"snapshot_id"`
}

// BackupProgress is an intermediate status message of `restic backup --json`.
type BackupProgress struct {
	MessageType      string   `json:"message_type"`
	SecondsElapsed   float64  `json:"seconds_elapsed"`
	SecondsRemaining float64  `json:"seconds_remaining"`
	PercentDone      float64  `json:"percent_done"`
	TotalFiles       uint64   `json:"total_files"`
	FilesDone        uint64   `json:"files_done"`
	TotalBytes       uint64   `json:"total_bytes"`
	BytesDone        uint64   `json:"bytes_done"`
	ErrorCount       int      `json:"error_count"`
	CurrentFiles     []string `json:"current_files"`
}

// ParseSnapshots decodes the output of `restic snapshots --json`.
func ParseSnapshots(output string) ([]Snapshot, error) {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return nil, nil
	}
	var snapshots []Snapshot
	if err := json.Unmarshal([]byte(trimmed), &snapshots); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot list: %w", err)
	}
	return snapshots, nil
}

// ParseBackupSummary scans line-delimited backup output for the summary
// message. Returns nil when no summary was emitted (e.g. the run was
// interrupted before completion).
func ParseBackupSummary(output string) (*BackupSummary, error) {
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var summary *BackupSummary
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var probe struct {
			MessageType string `json:"message_type"`
		}
		if err := json.Unmarshal([]byte(line), &probe); err != nil {
			continue
		}
		if probe.MessageType != "summary" {
			continue
		}
		var s BackupSummary
		if err := json.Unmarshal([]byte(line), &s); err != nil {
			return nil, fmt.Errorf("failed to parse backup summary: %w", err)
		}
		summary = &s
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan backup output: %w", err)
	}
	return summary, nil
}
