package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gwi-platform/governance/pkg/store"
)

func renderJSON(entries []*store.Entry) ([]byte, error) {
	if entries == nil {
		entries = []*store.Entry{}
	}
	return json.MarshalIndent(entries, "", "  ")
}

func renderJSONLines(entries []*store.Entry) ([]byte, error) {
	var buf bytes.Buffer
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("audit: marshal entry %s: %w", e.ID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

var csvHeader = []string{
	"id", "tenantId", "timestamp", "sequence", "actor", "action",
	"category", "resourceType", "resourceId", "outcome", "highRisk",
	"entryHash", "previousHash", "contextHash",
}

func renderCSV(entries []*store.Entry) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(strings.Join(csvHeader, ","))
	buf.WriteByte('\n')
	for _, e := range entries {
		fields := []string{
			e.ID,
			e.TenantID,
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			strconv.FormatUint(e.Chain.Sequence, 10),
			e.Actor,
			e.Action,
			e.Category,
			e.ResourceType,
			e.ResourceID,
			string(e.Outcome),
			strconv.FormatBool(e.HighRisk),
			e.Chain.EntryHash,
			e.Chain.PreviousHash,
			e.ContextHash,
		}
		for i, f := range fields {
			fields[i] = csvEscape(f)
		}
		buf.WriteString(strings.Join(fields, ","))
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// csvEscape quotes a field containing the delimiter, quotes, or newlines,
// doubling embedded quotes.
func csvEscape(field string) string {
	if !strings.ContainsAny(field, ",\"\n\r") {
		return field
	}
	return `"` + strings.ReplaceAll(field, `"`, `""`) + `"`
}

// cefSeverity maps entry risk onto the CEF 0-10 scale.
func cefSeverity(e *store.Entry) int {
	switch {
	case e.HighRisk:
		return 8
	case e.Outcome == store.OutcomeFailure:
		return 5
	case e.Outcome == store.OutcomePartial:
		return 3
	default:
		return 1
	}
}

// cefEscape escapes extension values per the CEF spec: backslash first,
// then equals signs and newlines.
func cefEscape(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `=`, `\=`)
	v = strings.ReplaceAll(v, "\n", `\n`)
	v = strings.ReplaceAll(v, "\r", `\r`)
	return v
}

// cefHeaderEscape escapes CEF header fields, where pipes also need escaping.
func cefHeaderEscape(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `|`, `\|`)
	return v
}

func renderCEF(entries []*store.Entry) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		fmt.Fprintf(&buf, "CEF:0|GWI|AuditLog|1.0|%s|%s|%d|",
			cefHeaderEscape(e.Action), cefHeaderEscape(e.Action), cefSeverity(e))
		ext := []string{
			"rt=" + cefEscape(e.Timestamp.UTC().Format(time.RFC3339)),
			"suser=" + cefEscape(e.Actor),
			"act=" + cefEscape(e.Action),
			"outcome=" + cefEscape(string(e.Outcome)),
			"cs1Label=tenantId cs1=" + cefEscape(e.TenantID),
			"cs2Label=entryId cs2=" + cefEscape(e.ID),
			"cs3Label=sequence cs3=" + cefEscape(strconv.FormatUint(e.Chain.Sequence, 10)),
		}
		if e.ResourceID != "" {
			ext = append(ext, "cs4Label=resource cs4="+cefEscape(e.ResourceType+"/"+e.ResourceID))
		}
		buf.WriteString(strings.Join(ext, " "))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// syslogFacility is "log audit" per RFC 5424.
const syslogFacility = 13

// syslogSeverity maps entry risk onto the RFC 5424 severity scale.
func syslogSeverity(e *store.Entry) int {
	switch {
	case e.HighRisk:
		return 2 // Critical
	case e.Outcome == store.OutcomeFailure:
		return 3 // Error
	case e.Outcome == store.OutcomePartial:
		return 4 // Warning
	default:
		return 6 // Informational
	}
}

// sdEscape escapes structured-data values per RFC 5424 §6.3.3.
func sdEscape(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	v = strings.ReplaceAll(v, `]`, `\]`)
	return v
}

func renderSyslog(entries []*store.Entry) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		priority := syslogFacility*8 + syslogSeverity(e)
		fmt.Fprintf(&buf, "<%d>1 %s gwi-audit governance - %s ",
			priority,
			e.Timestamp.UTC().Format(time.RFC3339),
			e.ID,
		)
		fmt.Fprintf(&buf, `[audit@gwi entryId="%s" actor="%s" action="%s" outcome="%s" highRisk="%t"]`,
			sdEscape(e.ID), sdEscape(e.Actor), sdEscape(e.Action), sdEscape(string(e.Outcome)), e.HighRisk)
		fmt.Fprintf(&buf, " tenant=%s seq=%d\n", e.TenantID, e.Chain.Sequence)
	}
	return buf.Bytes()
}
