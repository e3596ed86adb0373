// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

package audit

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/permguard/internal/errs"
)

// Format selects an export encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	// FormatCEF is ArcSight Common Event Format, one event per line.
	FormatCEF Format = "cef"
)

// ParseFormat accepts csv, json or cef (case-insensitive).
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatJSON, FormatCEF:
		return f, nil
	default:
		return "", errs.Validation("audit.Export", "format", "unsupported export format %q", s)
	}
}

// ContentType returns the MIME type for f.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatJSON:
		return "application/json"
	default:
		return "text/plain"
	}
}

// exporter writes entries one at a time. Close finishes the document.
type exporter interface {
	Write(e *Entry) error
	Close() error
}

func newExporter(f Format, w io.Writer) exporter {
	switch f {
	case FormatCSV:
		return newCSVExporter(w)
	case FormatJSON:
		return &jsonExporter{w: w}
	default:
		return &cefExporter{w: w, vendor: "Permguard", product: "Permguard", version: "1.0"}
	}
}

var csvHeader = []string{
	"id", "timestamp", "actor_id", "actor_email", "target_id", "action",
	"category", "severity", "status", "resource", "resource_id",
	"ip_address", "user_agent", "session_id", "request_id", "duration_ms", "details",
}

type csvExporter struct {
	w           *csv.Writer
	wroteHeader bool
}

func newCSVExporter(w io.Writer) *csvExporter {
	return &csvExporter{w: csv.NewWriter(w)}
}

func (c *csvExporter) Write(e *Entry) error {
	if err := c.header(); err != nil {
		return err
	}
	duration := ""
	if e.DurationMS != nil {
		duration = strconv.FormatInt(*e.DurationMS, 10)
	}
	row := []string{
		e.ID,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.ActorID,
		e.ActorEmail,
		e.TargetID,
		e.Action,
		string(e.Category),
		string(e.Severity),
		string(e.Status),
		e.Resource,
		e.ResourceID,
		e.IPAddress,
		e.UserAgent,
		e.SessionID,
		e.RequestID,
		duration,
		string(e.Details),
	}
	if err := c.w.Write(row); err != nil {
		return fmt.Errorf("failed to write CSV row: %w", err)
	}
	return nil
}

func (c *csvExporter) header() error {
	if c.wroteHeader {
		return nil
	}
	c.wroteHeader = true
	if err := c.w.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	return nil
}

func (c *csvExporter) Close() error {
	if err := c.header(); err != nil {
		return err
	}
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return fmt.Errorf("CSV writer error: %w", err)
	}
	return nil
}

// jsonExporter streams a JSON array without buffering the whole result.
type jsonExporter struct {
	w     io.Writer
	count int
}

func (j *jsonExporter) Write(e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry %s: %w", e.ID, err)
	}
	sep := ","
	if j.count == 0 {
		sep = "["
	}
	if _, err := io.WriteString(j.w, sep); err != nil {
		return err
	}
	if _, err := j.w.Write(data); err != nil {
		return err
	}
	j.count++
	return nil
}

func (j *jsonExporter) Close() error {
	end := "]"
	if j.count == 0 {
		end = "[]"
	}
	_, err := io.WriteString(j.w, end+"\n")
	return err
}

// cefExporter writes
// CEF:Version|Device Vendor|Device Product|Device Version|Signature ID|Name|Severity|Extension
type cefExporter struct {
	w                        io.Writer
	vendor, product, version string
}

func (c *cefExporter) Write(e *Entry) error {
	line := fmt.Sprintf("CEF:0|%s|%s|%s|%s|%s|%d|%s\n",
		cefHeaderEscape(c.vendor),
		cefHeaderEscape(c.product),
		cefHeaderEscape(c.version),
		cefHeaderEscape(string(e.Category)+"."+e.Action),
		cefHeaderEscape(e.Action+" on "+e.Resource),
		cefSeverity(e.Severity),
		cefExtension(e),
	)
	_, err := io.WriteString(c.w, line)
	return err
}

func (c *cefExporter) Close() error { return nil }

// cefSeverity maps entry severity onto the CEF 0-10 scale.
func cefSeverity(s Severity) int {
	switch s {
	case SeverityInfo:
		return 3
	case SeverityWarning:
		return 5
	case SeverityError:
		return 7
	case SeverityCritical:
		return 10
	default:
		return 0
	}
}

func cefExtension(e *Entry) string {
	parts := []string{"rt=" + strconv.FormatInt(e.Timestamp.UnixMilli(), 10)}
	add := func(key, value string) {
		if value != "" {
			parts = append(parts, key+"="+cefExtensionEscape(value))
		}
	}
	add("suid", e.ActorID)
	add("suser", e.ActorEmail)
	add("duid", e.TargetID)
	add("src", e.IPAddress)
	add("requestClientApplication", e.UserAgent)
	add("act", e.Action)
	add("cat", string(e.Category))
	add("outcome", string(e.Status))
	add("cs1Label", "resource")
	add("cs1", e.Resource)
	add("externalId", e.ID)
	if e.RequestID != "" {
		add("cs2Label", "request_id")
		add("cs2", e.RequestID)
	}
	return strings.Join(parts, " ")
}

// Header fields escape pipes and backslashes; extension values escape
// equals signs and backslashes. Newlines are folded in both.
var (
	cefHeaderReplacer    = strings.NewReplacer(`\`, `\\`, `|`, `\|`, "\n", " ", "\r", "")
	cefExtensionReplacer = strings.NewReplacer(`\`, `\\`, `=`, `\=`, "\n", `\n`, "\r", `\r`)
)

func cefHeaderEscape(s string) string    { return cefHeaderReplacer.Replace(s) }
func cefExtensionEscape(s string) string { return cefExtensionReplacer.Replace(s) }
