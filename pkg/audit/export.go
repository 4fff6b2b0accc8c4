package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ExportFormat selects the encoding of an export
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson"
)

// Export encodes entries in format. Unknown formats fall back to JSON.
func Export(entries []Entry, format ExportFormat) ([]byte, string, error) {
	switch format {
	case ExportFormatCSV:
		data, err := exportCSV(entries)
		return data, "text/csv", err
	case ExportFormatNDJSON:
		data, err := exportNDJSON(entries)
		return data, "application/x-ndjson", err
	default:
		data, err := json.MarshalIndent(entries, "", "  ")
		return data, "application/json", err
	}
}

func exportNDJSON(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for _, entry := range entries {
		if err := encoder.Encode(entry); err != nil {
			return nil, fmt.Errorf("failed to encode entry: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func exportCSV(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := []string{"ID", "CreatedAt", "Action", "ActorUserID", "TargetRole", "PermissionID", "PermissionName", "Metadata"}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, entry := range entries {
		metadata := ""
		if len(entry.Metadata) > 0 {
			raw, err := json.Marshal(entry.Metadata)
			if err != nil {
				return nil, fmt.Errorf("failed to encode metadata: %w", err)
			}
			metadata = string(raw)
		}

		row := []string{
			strconv.FormatInt(entry.ID, 10),
			entry.CreatedAt.UTC().Format(time.RFC3339),
			string(entry.Action),
			formatInt64Ptr(entry.ActorUserID),
			formatStringPtr(entry.TargetRole),
			formatInt64Ptr(entry.PermissionID),
			formatStringPtr(entry.PermissionName),
			metadata,
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}
	return buf.Bytes(), nil
}

// formatInt64Ptr formats an int64 pointer as string, returning empty string for nil
func formatInt64Ptr(val *int64) string {
	if val == nil {
		return ""
	}
	return strconv.FormatInt(*val, 10)
}

func formatStringPtr(val *string) string {
	if val == nil {
		return ""
	}
	return *val
}
